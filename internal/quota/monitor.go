package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Key        domain.UsageKey
	Level      AlertLevel
	Limit      int64
	Count      int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor turns counter observations into threshold alerts. Each level fires
// at most once per usage key; the deduplicator decides across instances.
type Monitor struct {
	mu         sync.RWMutex
	handlers   []AlertHandler
	thresholds Thresholds
	dedup      AlertDeduplicator
}

func NewMonitor(thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Monitor) levelFor(ratio float64) (AlertLevel, bool) {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded, true
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning, true
	}
	return "", false
}

// Observe records that key now stands at count out of limit and dispatches an
// alert if a new level was crossed. It returns the dispatched alert, if any.
func (m *Monitor) Observe(ctx context.Context, key domain.UsageKey, count, limit int64) *Alert {
	if limit <= 0 {
		return nil
	}

	ratio := float64(count) / float64(limit)
	level, ok := m.levelFor(ratio)
	if !ok {
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, key, level) {
		return nil
	}

	alert := &Alert{
		Key:        key,
		Level:      level,
		Limit:      limit,
		Count:      count,
		Percentage: ratio * 100,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("quota alert",
		"model_id", alert.Key.ModelID,
		"owner_id", alert.Key.OwnerID,
		"period", alert.Key.Period,
		"level", alert.Level,
		"limit", alert.Limit,
		"count", alert.Count,
		"percentage", alert.Percentage,
	)
}
