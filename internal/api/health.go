package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/router"
)

// HealthChecker is one dependency probed by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// BackendHealthChecker probes an inference backend.
type BackendHealthChecker struct {
	client router.InferenceClient
}

func NewBackendHealthChecker(client router.InferenceClient) *BackendHealthChecker {
	return &BackendHealthChecker{client: client}
}

func (c *BackendHealthChecker) Name() string {
	return "backend:" + c.client.ID()
}

func (c *BackendHealthChecker) Check(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

// CheckFunc adapts a plain function, such as a store ping, to HealthChecker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string {
	return c.CheckName
}

func (c CheckFunc) Check(ctx context.Context) error {
	return c.Fn(ctx)
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		allHealthy := true
		for _, result := range results {
			if result.Status != "ok" {
				allHealthy = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}

		httpStatus := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": h.version,
	}
	if h.gateway != nil {
		resp["circuit_breakers"] = h.gateway.BreakerStates()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
