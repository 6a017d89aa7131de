// Package cache keeps recently resolved tuned models so the inference path
// does not hit the store on every request. Only ready models are cached;
// a ready model never changes, so entries are never invalidated.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

const DefaultTTL = 5 * time.Minute

type Cache interface {
	Get(ctx context.Context, ref string) (*domain.TunedModel, bool)
	Set(ctx context.Context, ref string, model *domain.TunedModel, ttl time.Duration) error
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
	done  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	model     domain.TunedModel
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(time.Minute)
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, ref string) (*domain.TunedModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[ref]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}

	m := item.model
	return &m, true
}

func (c *InMemoryCache) Set(ctx context.Context, ref string, model *domain.TunedModel, ttl time.Duration) error {
	if model.Status != domain.ModelReady {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[ref] = &cacheItem{
		model:     *model,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *InMemoryCache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *InMemoryCache) evictExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) key(ref string) string {
	return "model:" + ref
}

func (c *RedisCache) Get(ctx context.Context, ref string) (*domain.TunedModel, bool) {
	data, err := c.client.Get(ctx, c.key(ref)).Bytes()
	if err != nil {
		return nil, false
	}

	var m domain.TunedModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func (c *RedisCache) Set(ctx context.Context, ref string, model *domain.TunedModel, ttl time.Duration) error {
	if model.Status != domain.ModelReady {
		return nil
	}

	data, err := json.Marshal(model)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(ref), data, ttl).Err()
}
