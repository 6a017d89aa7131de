// Package gateway serves inference requests against tuned models and meters
// them per model, owner and day.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/tunegate/internal/auth"
	"github.com/felipepmaragno/tunegate/internal/cache"
	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/metrics"
	"github.com/felipepmaragno/tunegate/internal/quota"
	"github.com/felipepmaragno/tunegate/internal/router"
	"github.com/felipepmaragno/tunegate/internal/store"
	"github.com/felipepmaragno/tunegate/internal/telemetry"
)

type ModelUsageStore interface {
	store.ModelStore
	store.UsageStore
}

type Config struct {
	Store    ModelUsageStore
	Resolver *auth.Resolver
	Router   *router.Router
	Tracker  quota.Tracker
	Monitor  *quota.Monitor
	Cache    cache.Cache
	CacheTTL time.Duration
}

type Gateway struct {
	store    ModelUsageStore
	resolver *auth.Resolver
	router   *router.Router
	tracker  quota.Tracker
	monitor  *quota.Monitor
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

func New(cfg Config) *Gateway {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = cache.DefaultTTL
	}

	return &Gateway{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		router:   cfg.Router,
		tracker:  cfg.Tracker,
		monitor:  cfg.Monitor,
		cache:    cfg.Cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Result describes a served request. Limit and Remaining are also set when
// Handle returns domain.ErrQuotaExceeded.
type Result struct {
	Output    string
	Model     *domain.TunedModel
	Backend   string
	Count     int64
	Limit     int64
	Remaining int64
}

// Resolve turns a credential into the calling owner.
func (g *Gateway) Resolve(ctx context.Context, cred auth.Credential) (*auth.Principal, error) {
	return g.resolver.Resolve(ctx, cred)
}

// Handle resolves cred and serves one inference request.
func (g *Gateway) Handle(ctx context.Context, cred auth.Credential, modelRef, input string) (*Result, error) {
	principal, err := g.Resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	return g.HandleFor(ctx, principal, modelRef, input)
}

// HandleFor serves one inference request for an already resolved caller.
// Every step is a gate: usage is only counted once the backend has answered.
func (g *Gateway) HandleFor(ctx context.Context, p *auth.Principal, modelRef, input string) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.generate")
	defer span.End()

	model, err := g.ownedModel(ctx, p, modelRef)
	if err != nil {
		return nil, err
	}
	if model.Status != domain.ModelReady {
		return nil, domain.ErrModelNotReady
	}

	if strings.TrimSpace(input) == "" {
		return nil, domain.InvalidArgument("input is required")
	}

	backend := "unknown"
	if client, err := g.router.Select(model.TunedModelID); err == nil {
		backend = client.ID()
	}
	telemetry.AddInferenceAttributes(span, model.ID, p.OwnerID, backend)

	start := time.Now()
	output, err := g.router.Generate(ctx, model.TunedModelID, input)
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordInference(backend, "error", duration)
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("inference failed",
			"model_id", model.ID,
			"owner_id", p.OwnerID,
			"backend", backend,
			"error", err,
		)
		return nil, err
	}
	metrics.RecordInference(backend, "success", duration)

	key := domain.UsageKeyFor(model.ID, p.OwnerID, g.now())
	count, err := g.tracker.IncrementAndGet(ctx, key)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, fmt.Errorf("count usage: %w", err)
	}
	metrics.UsageIncrements.Inc()

	limit := g.tracker.LimitFor(key)
	if g.monitor != nil {
		if alert := g.monitor.Observe(ctx, key, count, limit); alert != nil {
			metrics.RecordQuotaAlert(string(alert.Level))
		}
	}

	result := &Result{
		Output:    output,
		Model:     model,
		Backend:   backend,
		Count:     count,
		Limit:     limit,
		Remaining: quota.Remaining(count, limit),
	}

	if quota.Exceeded(count, limit) {
		metrics.QuotaRejections.Inc()
		slog.Info("quota exceeded",
			"model_id", model.ID,
			"owner_id", p.OwnerID,
			"count", count,
			"limit", limit,
		)
		result.Output = ""
		return result, domain.ErrQuotaExceeded
	}

	return result, nil
}

// Model returns a tuned model visible to p.
func (g *Gateway) Model(ctx context.Context, p *auth.Principal, modelRef string) (*domain.TunedModel, error) {
	return g.ownedModel(ctx, p, modelRef)
}

// Models lists p's models, newest first.
func (g *Gateway) Models(ctx context.Context, p *auth.Principal) ([]*domain.TunedModel, error) {
	return g.store.ListModels(ctx, p.OwnerID)
}

type UsageReport struct {
	ModelID string               `json:"modelId"`
	Since   string               `json:"since"`
	Limit   int64                `json:"dailyLimit"`
	Total   int64                `json:"total"`
	Records []domain.UsageRecord `json:"records"`
}

// Usage reports p's daily counters for a model since the start of the current month.
func (g *Gateway) Usage(ctx context.Context, p *auth.Principal, modelRef string) (*UsageReport, error) {
	model, err := g.ownedModel(ctx, p, modelRef)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(domain.PeriodLayout)

	records, err := g.store.ListUsage(ctx, p.OwnerID, model.ID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}

	report := &UsageReport{
		ModelID: model.ID,
		Since:   since,
		Limit:   g.tracker.LimitFor(domain.UsageKeyFor(model.ID, p.OwnerID, now)),
		Records: records,
	}
	if report.Records == nil {
		report.Records = []domain.UsageRecord{}
	}
	for _, r := range records {
		report.Total += r.RequestCount
	}
	return report, nil
}

// ownedModel resolves modelRef and checks that p owns it. A session caller is
// told the model belongs to someone else; an API key caller is not.
func (g *Gateway) ownedModel(ctx context.Context, p *auth.Principal, modelRef string) (*domain.TunedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		return nil, domain.InvalidArgument("modelId is required")
	}

	model, err := g.resolveModel(ctx, modelRef)
	if err != nil {
		return nil, err
	}

	if model.OwnerID != p.OwnerID {
		if p.Via == auth.CredentialAPIKey {
			return nil, domain.ErrModelNotFound
		}
		return nil, domain.ErrUnauthorized
	}
	return model, nil
}

// resolveModel looks modelRef up as a model id, then as a provider tuned-model
// id, then as the id of the job that produced the model.
func (g *Gateway) resolveModel(ctx context.Context, ref string) (*domain.TunedModel, error) {
	if g.cache != nil {
		if model, ok := g.cache.Get(ctx, ref); ok {
			metrics.RecordCacheLookup(true)
			return model, nil
		}
		metrics.RecordCacheLookup(false)
	}

	lookups := []func(context.Context, string) (*domain.TunedModel, error){
		g.store.GetModel,
		g.store.GetModelByTunedModelID,
		g.store.GetModelByJobID,
	}

	for _, lookup := range lookups {
		model, err := lookup(ctx, ref)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve model: %w", err)
		}

		if g.cache != nil {
			if err := g.cache.Set(ctx, ref, model, g.cacheTTL); err != nil {
				slog.Warn("cache model", "model_ref", ref, "error", err)
			}
		}
		return model, nil
	}

	return nil, domain.ErrModelNotFound
}

func (g *Gateway) BreakerStates() map[string]string {
	return g.router.BreakerStates()
}
