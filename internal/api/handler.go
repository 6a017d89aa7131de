package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/tunegate/internal/auth"
	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/gateway"
	"github.com/felipepmaragno/tunegate/internal/orchestrator"
	"github.com/felipepmaragno/tunegate/internal/store"
	"github.com/felipepmaragno/tunegate/internal/telemetry"
)

// JobService submits and cancels tuning jobs.
type JobService interface {
	Submit(ctx context.Context, ownerID string, req orchestrator.SubmitRequest) (*domain.TuningJob, error)
	Cancel(ctx context.Context, jobID string) (*domain.TuningJob, error)
}

type HandlerConfig struct {
	Jobs     JobService
	JobStore store.JobStore
	Gateway  *gateway.Gateway
	APIKeys  store.APIKeyStore
	// Admin guards /admin routes. Without it the admin API is not mounted.
	Admin    *auth.RBACMiddleware
	Checkers []HealthChecker
	Version  string
}

type Handler struct {
	jobs     JobService
	jobStore store.JobStore
	gateway  *gateway.Gateway
	apiKeys  store.APIKeyStore
	checkers []HealthChecker
	version  string
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		jobs:     cfg.Jobs,
		jobStore: cfg.JobStore,
		gateway:  cfg.Gateway,
		apiKeys:  cfg.APIKeys,
		checkers: cfg.Checkers,
		version:  cfg.Version,
		mux:      http.NewServeMux(),
	}

	h.mux.Handle("POST /v1/jobs", h.session(h.handleCreateJob))
	h.mux.Handle("GET /v1/jobs/{id}", h.session(h.handleGetJob))
	h.mux.Handle("POST /v1/jobs/{id}/cancel", h.session(h.handleCancelJob))
	h.mux.Handle("GET /v1/models", h.session(h.handleListModels))
	h.mux.Handle("GET /v1/models/{id}", h.session(h.handleGetModel))
	h.mux.Handle("GET /v1/models/{id}/usage", h.session(h.handleModelUsage))
	h.mux.Handle("POST /v1/generate", h.session(h.handleSessionGenerate))
	h.mux.HandleFunc("POST /v1/models/{id}/generate", h.handleAPIKeyGenerate)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Admin != nil {
		h.mountAdmin(cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	ctx, span := telemetry.StartSpan(r.Context(), "http.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("request.id", requestID),
		),
	)
	defer span.End()

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// session resolves the bearer session token before calling next.
func (h *Handler) session(next func(http.ResponseWriter, *http.Request, *auth.Principal)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.gateway.Resolve(r.Context(), auth.SessionCredential(auth.ExtractBearerToken(r)))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	})
}

type jobResponse struct {
	JobID           string           `json:"jobId"`
	Name            string           `json:"name"`
	Kind            domain.JobKind   `json:"kind"`
	Status          domain.JobStatus `json:"status"`
	PercentComplete *float64         `json:"percentComplete,omitempty"`
	TunedModelID    string           `json:"tunedModelId,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func newJobResponse(job *domain.TuningJob) jobResponse {
	resp := jobResponse{
		JobID:        job.ID,
		Name:         job.Name,
		Kind:         job.Kind,
		Status:       job.Status,
		TunedModelID: job.TunedModelID,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.Status != domain.JobQueued {
		progress := job.Progress
		resp.PercentComplete = &progress
	}
	return resp
}

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	job, err := h.jobs.Submit(r.Context(), p.OwnerID, req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

func (h *Handler) ownedJob(ctx context.Context, p *auth.Principal, id string) (*domain.TuningJob, error) {
	job, err := h.jobStore.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != p.OwnerID {
		return nil, domain.ErrUnauthorized
	}
	return job, nil
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	job, err := h.ownedJob(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	job, err := h.ownedJob(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	job, err = h.jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("job cancelled by owner", "job_id", job.ID, "owner_id", p.OwnerID, "status", job.Status)
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	models, err := h.gateway.Models(r.Context(), p)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if models == nil {
		models = []*domain.TunedModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	model, err := h.gateway.Model(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (h *Handler) handleModelUsage(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	report, err := h.gateway.Usage(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type generateRequest struct {
	ModelID string `json:"modelId"`
	Input   string `json:"input"`
}

func (h *Handler) handleSessionGenerate(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	res, err := h.gateway.HandleFor(r.Context(), p, req.ModelID, req.Input)
	h.writeGenerate(w, r, res, err)
}

func (h *Handler) handleAPIKeyGenerate(w http.ResponseWriter, r *http.Request) {
	p, err := h.gateway.Resolve(r.Context(), auth.APIKeyCredential(auth.ExtractAPIKey(r)))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	res, err := h.gateway.HandleFor(r.Context(), p, r.PathValue("id"), req.Input)
	h.writeGenerate(w, r, res, err)
}

func (h *Handler) writeGenerate(w http.ResponseWriter, r *http.Request, res *gateway.Result, err error) {
	if res != nil && res.Limit > 0 {
		w.Header().Set("X-Quota-Limit", strconv.FormatInt(res.Limit, 10))
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(res.Remaining, 10))
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("inference served",
		"request_id", w.Header().Get("X-Request-ID"),
		"model_id", res.Model.ID,
		"owner_id", res.Model.OwnerID,
		"backend", res.Backend,
		"count", res.Count,
	)

	writeJSON(w, http.StatusOK, map[string]string{"output": res.Output})
}
