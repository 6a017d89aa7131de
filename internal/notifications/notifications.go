// Package notifications publishes job lifecycle and quota events.
package notifications

import (
	"context"
	"log/slog"
	"sync"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

type NotificationType string

const (
	NotificationJobReady      NotificationType = "job_ready"
	NotificationJobFailed     NotificationType = "job_failed"
	NotificationJobTimeout    NotificationType = "job_timeout"
	NotificationJobCancelled  NotificationType = "job_cancelled"
	NotificationQuotaWarning  NotificationType = "quota_warning"
	NotificationQuotaCritical NotificationType = "quota_critical"
	NotificationQuotaExceeded NotificationType = "quota_exceeded"
)

type Notification struct {
	Type    NotificationType `json:"type"`
	OwnerID string           `json:"owner_id,omitempty"`
	Message string           `json:"message"`
	Data    map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// JobNotification describes a job that reached a terminal status. It returns
// false for non-terminal jobs.
func JobNotification(job *domain.TuningJob) (Notification, bool) {
	n := Notification{
		OwnerID: job.OwnerID,
		Data: map[string]any{
			"job_id": job.ID,
			"name":   job.Name,
		},
	}

	switch job.Status {
	case domain.JobReady:
		n.Type = NotificationJobReady
		n.Message = "tuning job " + job.ID + " is ready"
		n.Data["tuned_model_id"] = job.TunedModelID
	case domain.JobFailed:
		n.Type = NotificationJobFailed
		n.Message = "tuning job " + job.ID + " failed: " + job.ErrorMessage
		n.Data["error"] = job.ErrorMessage
	case domain.JobTimeout:
		n.Type = NotificationJobTimeout
		n.Message = "tuning job " + job.ID + " timed out"
	case domain.JobCancelled:
		n.Type = NotificationJobCancelled
		n.Message = "tuning job " + job.ID + " was cancelled"
	default:
		return Notification{}, false
	}
	return n, true
}

// LogNotifier writes notifications to the structured log. It is the default
// when no SNS topic is configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	slog.Info("notification",
		"type", n.Type,
		"owner_id", n.OwnerID,
		"message", n.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}
