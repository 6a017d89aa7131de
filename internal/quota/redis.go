package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/store"
)

// counterTTL outlives the day a counter belongs to so late writes still land on it.
const counterTTL = 48 * time.Hour

// RedisTracker keeps hot counters in Redis and writes every new value through
// to the usage store, which remains the durable record.
type RedisTracker struct {
	StaticLimit
	client *redis.Client
	usage  store.UsageStore
}

func NewRedisTracker(client *redis.Client, usage store.UsageStore, limit int64) *RedisTracker {
	return &RedisTracker{
		StaticLimit: StaticLimit(limit),
		client:      client,
		usage:       usage,
	}
}

func (t *RedisTracker) counterKey(key domain.UsageKey) string {
	return "quota:usage:" + key.String()
}

func (t *RedisTracker) IncrementAndGet(ctx context.Context, key domain.UsageKey) (int64, error) {
	rkey := t.counterKey(key)

	if t.usage != nil {
		if err := t.seed(ctx, key, rkey); err != nil {
			slog.Warn("failed to seed usage counter",
				"model_id", key.ModelID,
				"owner_id", key.OwnerID,
				"period", key.Period,
				"error", err,
			)
		}
	}

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, counterTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment usage %s: %w", key, err)
	}

	count := incr.Val()
	if t.usage != nil {
		if err := t.usage.RecordUsage(ctx, key, count); err != nil {
			slog.Warn("failed to persist usage counter",
				"model_id", key.ModelID,
				"owner_id", key.OwnerID,
				"period", key.Period,
				"count", count,
				"error", err,
			)
		}
	}

	return count, nil
}

// seed restores a missing counter from the stored count, so a counter lost to
// expiry, a flush or a failover does not restart the day at zero. SETNX keeps
// a counter created concurrently by another request.
func (t *RedisTracker) seed(ctx context.Context, key domain.UsageKey, rkey string) error {
	exists, err := t.client.Exists(ctx, rkey).Result()
	if err != nil || exists == 1 {
		return err
	}

	stored, err := t.storedCount(ctx, key)
	if err != nil || stored == 0 {
		return err
	}

	ok, err := t.client.SetNX(ctx, rkey, stored, counterTTL).Result()
	if err != nil {
		return err
	}
	if ok {
		slog.Info("usage counter reseeded from store",
			"model_id", key.ModelID,
			"owner_id", key.OwnerID,
			"period", key.Period,
			"count", stored,
		)
	}
	return nil
}

func (t *RedisTracker) storedCount(ctx context.Context, key domain.UsageKey) (int64, error) {
	records, err := t.usage.ListUsage(ctx, key.OwnerID, key.ModelID, key.Period)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if r.Period == key.Period {
			return r.RequestCount, nil
		}
	}
	return 0, nil
}
