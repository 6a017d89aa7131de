// Package quota counts inference requests per model, owner and day and
// enforces a per-deployment ceiling on those counters.
package quota

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/store"
)

const DefaultDailyLimit = 50

// Tracker is the counter the gateway consults on every routed request.
// IncrementAndGet must not lose updates when many instances share a key.
type Tracker interface {
	IncrementAndGet(ctx context.Context, key domain.UsageKey) (int64, error)
	LimitFor(key domain.UsageKey) int64
}

// StaticLimit applies the same ceiling to every key. Zero or negative disables the ceiling.
type StaticLimit int64

func (l StaticLimit) LimitFor(domain.UsageKey) int64 {
	return int64(l)
}

// Exceeded reports whether count is over limit. A non-positive limit never trips.
func Exceeded(count, limit int64) bool {
	return limit > 0 && count > limit
}

// Remaining is what is left of limit after count requests, floored at zero.
func Remaining(count, limit int64) int64 {
	if limit <= 0 || count >= limit {
		return 0
	}
	return limit - count
}

// StoreTracker increments through the store's native atomic upsert.
type StoreTracker struct {
	StaticLimit
	usage store.UsageStore
}

func NewStoreTracker(usage store.UsageStore, limit int64) *StoreTracker {
	return &StoreTracker{StaticLimit: StaticLimit(limit), usage: usage}
}

func (t *StoreTracker) IncrementAndGet(ctx context.Context, key domain.UsageKey) (int64, error) {
	n, err := t.usage.IncrementUsage(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("increment usage %s: %w", key, err)
	}
	return n, nil
}
