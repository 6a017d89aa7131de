package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a plain Redis list: RPUSH to enqueue, BLPOP to receive.
// A popped message is gone, so Ack is a no-op; jobs lost to a crashed worker
// are picked up again by the orchestrator's recovery scan.
type RedisQueue struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{
		client:       client,
		key:          key,
		blockTimeout: 5 * time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) ([]Message, error) {
	result, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", q.key, err)
	}

	// result[0] is the list name, result[1] the payload
	msg, err := decode(result[1])
	if err != nil {
		slog.Warn("dropping malformed queue message", "queue", q.key, "error", err)
		return nil, nil
	}
	return []Message{msg}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	return nil
}
