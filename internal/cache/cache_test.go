package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

func readyModel() *domain.TunedModel {
	return &domain.TunedModel{
		ID:           "model-1",
		JobID:        "job-1",
		OwnerID:      "user-1",
		TunedModelID: "tunedModels/xyz",
		Status:       domain.ModelReady,
	}
}

func TestInMemoryCache_GetSet(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "model-1"); ok {
		t.Error("expected miss on empty cache")
	}

	if err := c.Set(ctx, "model-1", readyModel(), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Get(ctx, "model-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.TunedModelID != "tunedModels/xyz" {
		t.Errorf("Get() = %+v", got)
	}

	got.OwnerID = "mutated"
	again, _ := c.Get(ctx, "model-1")
	if again.OwnerID != "user-1" {
		t.Error("Get() returned shared value")
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "model-1", readyModel(), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "model-1"); ok {
		t.Error("expected miss after expiration")
	}

	c.evictExpired(time.Now())
	if c.Len() != 0 {
		t.Errorf("Len() = %d after eviction", c.Len())
	}
}

func TestInMemoryCache_SkipsModelsNotReady(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	m := readyModel()
	m.Status = domain.ModelTraining
	_ = c.Set(ctx, "model-1", m, time.Minute)

	if _, ok := c.Get(ctx, "model-1"); ok {
		t.Error("model that is not ready should not be cached")
	}
}

func TestRedisCache_GetSet(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisCache(client)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "model-1"); ok {
		t.Error("expected miss")
	}

	if err := c.Set(ctx, "model-1", readyModel(), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Get(ctx, "model-1")
	if !ok || got.JobID != "job-1" {
		t.Errorf("Get() = %+v, %v", got, ok)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "model-1"); ok {
		t.Error("expected miss after TTL")
	}
}

func BenchmarkInMemoryCache_Get(b *testing.B) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()
	_ = c.Set(ctx, "model-1", readyModel(), time.Hour)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Get(ctx, "model-1")
		}
	})
}
