// Package queue dispatches job ids from the API to orchestrator workers.
// Delivery is at-least-once; the orchestrator's claim step makes redelivery harmless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	receipt string
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Receive blocks until messages are available, the backend's wait time
	// elapses, or ctx is done. An empty slice with a nil error is a normal timeout.
	Receive(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}

func encode(jobID string) ([]byte, error) {
	body, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

func decode(body string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.JobID == "" {
		return Message{}, fmt.Errorf("message without job id")
	}
	return msg, nil
}

// InMemoryQueue serves single-process deployments where the API and the
// worker share one binary.
type InMemoryQueue struct {
	ch   chan Message
	wait time.Duration
}

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		ch:   make(chan Message, capacity),
		wait: time.Second,
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.ch <- Message{JobID: jobID, EnqueuedAt: time.Now().UTC()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Receive(ctx context.Context) ([]Message, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	select {
	case msg := <-q.ch:
		msgs := []Message{msg}
		for {
			select {
			case next := <-q.ch:
				msgs = append(msgs, next)
			default:
				return msgs, nil
			}
		}
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, msg Message) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}
