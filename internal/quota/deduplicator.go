package quota

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

// AlertDeduplicator decides whether an alert for a key and level has already
// been sent, by this instance or another one.
type AlertDeduplicator interface {
	ShouldAlert(ctx context.Context, key domain.UsageKey, level AlertLevel) bool
}

// InMemoryDeduplicator is enough for a single gateway instance. Usage keys
// carry their period, so a new day starts with a clean slate.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, key domain.UsageKey, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key.String() + ":" + string(level)
	if _, ok := d.sent[k]; ok {
		return false
	}
	d.sent[k] = struct{}{}
	return true
}

// RedisDeduplicator uses SETNX so exactly one instance wins each alert.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) alertKey(key domain.UsageKey, level AlertLevel) string {
	return "quota:alert:" + key.String() + ":" + string(level)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key domain.UsageKey, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(key, level), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}
