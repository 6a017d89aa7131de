package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felipepmaragno/tunegate/internal/auth"
	"github.com/felipepmaragno/tunegate/internal/circuitbreaker"
	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/gateway"
	"github.com/felipepmaragno/tunegate/internal/orchestrator"
	"github.com/felipepmaragno/tunegate/internal/quota"
	"github.com/felipepmaragno/tunegate/internal/router"
	"github.com/felipepmaragno/tunegate/internal/store"
)

// MockJobService implements JobService for testing
type MockJobService struct {
	SubmitFunc func(ctx context.Context, ownerID string, req orchestrator.SubmitRequest) (*domain.TuningJob, error)
	CancelFunc func(ctx context.Context, jobID string) (*domain.TuningJob, error)
}

func (m *MockJobService) Submit(ctx context.Context, ownerID string, req orchestrator.SubmitRequest) (*domain.TuningJob, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, ownerID, req)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &domain.TuningJob{ID: "job-new", Status: domain.JobQueued, OwnerID: ownerID}, nil
}

func (m *MockJobService) Cancel(ctx context.Context, jobID string) (*domain.TuningJob, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, jobID)
	}
	return &domain.TuningJob{ID: jobID, Status: domain.JobCancelled}, nil
}

// MockBackend implements router.InferenceClient for testing
type MockBackend struct {
	GenerateFunc func(ctx context.Context, tunedModelID, input string) (string, error)
}

func (m *MockBackend) ID() string { return "gemini" }

func (m *MockBackend) Generate(ctx context.Context, tunedModelID, input string) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, tunedModelID, input)
	}
	return "positive", nil
}

func (m *MockBackend) HealthCheck(ctx context.Context) error { return nil }

type testEnv struct {
	handler *Handler
	store   *store.InMemoryStore
	backend *MockBackend
	jobs    *MockJobService
	apiKey  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s := store.NewInMemoryStore()
	s.PutSession(&domain.Session{Token: "sess-alice", UserID: "alice"})
	s.PutSession(&domain.Session{Token: "sess-bob", UserID: "bob"})
	s.PutSession(&domain.Session{Token: "sess-old", UserID: "alice", ExpiresAt: time.Now().Add(-time.Minute)})

	job := &domain.TuningJob{
		ID:        "job-1",
		Name:      "sentiment",
		Kind:      domain.KindClassify,
		Status:    domain.JobProcessing,
		Progress:  40,
		OwnerID:   "alice",
		CreatedAt: time.Now(),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	done := job.Clone()
	done.Status = domain.JobReady
	done.TunedModelID = "tunedModels/sentiment"
	done.Progress = 100
	if err := s.CompleteJob(ctx, done, &domain.TunedModel{
		ID:           "model-1",
		JobID:        "job-1",
		OwnerID:      "alice",
		Name:         "sentiment",
		Kind:         domain.KindClassify,
		TunedModelID: "tunedModels/sentiment",
		Status:       domain.ModelReady,
		CreatedAt:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	key, err := auth.IssueAPIKey(ctx, s, "alice", "test")
	if err != nil {
		t.Fatal(err)
	}

	backend := &MockBackend{}
	gw := gateway.New(gateway.Config{
		Store:    s,
		Resolver: auth.NewResolver(s, s),
		Router:   router.New(backend, circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil)),
		Tracker:  quota.NewStoreTracker(s, 2),
	})

	admins := auth.NewInMemoryAdminUserRepository()
	hash, _ := auth.HashPassword("ops-pass")
	_ = admins.Create(ctx, &auth.AdminUser{ID: "ops", Username: "ops", PasswordHash: hash, Role: auth.RoleAdmin, Enabled: true})

	jobs := &MockJobService{}
	h := NewHandler(HandlerConfig{
		Jobs:     jobs,
		JobStore: s,
		Gateway:  gw,
		APIKeys:  s,
		Admin:    auth.NewRBACMiddleware(auth.NewAuthenticator(admins)),
		Version:  "test",
	})

	return &testEnv{handler: h, store: s, backend: backend, jobs: jobs, apiKey: key.Key}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", rec.Body.String())
	}
	if body.Error.Code != rec.Code {
		t.Errorf("error.code = %d, status = %d", body.Error.Code, rec.Code)
	}
	return body.Error.Type
}

func TestHandler_CreateJob(t *testing.T) {
	valid := map[string]any{
		"name":             "support-bot",
		"kind":             "generate",
		"baseModel":        "models/gemini-1.5-flash-001-tuning",
		"trainingExamples": []map[string]string{{"input": "hi", "output": "hello"}},
	}

	tests := []struct {
		name       string
		headers    map[string]string
		body       any
		wantStatus int
	}{
		{"accepted", bearer("sess-alice"), valid, http.StatusAccepted},
		{"no session", nil, valid, http.StatusUnauthorized},
		{"expired session", bearer("sess-old"), valid, http.StatusUnauthorized},
		{"malformed body", bearer("sess-alice"), "{not json", http.StatusBadRequest},
		{"missing name", bearer("sess-alice"), map[string]any{
			"kind": "generate", "baseModel": "m", "trainingExamples": valid["trainingExamples"],
		}, http.StatusBadRequest},
		{"unknown kind", bearer("sess-alice"), map[string]any{
			"name": "x", "kind": "translate", "baseModel": "m", "trainingExamples": valid["trainingExamples"],
		}, http.StatusBadRequest},
		{"empty examples", bearer("sess-alice"), map[string]any{
			"name": "x", "kind": "generate", "baseModel": "m", "trainingExamples": []any{},
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/v1/jobs", tt.body, tt.headers)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code == http.StatusAccepted {
				var resp map[string]string
				json.Unmarshal(rec.Body.Bytes(), &resp)
				if resp["jobId"] != "job-new" || resp["status"] != "queued" {
					t.Errorf("response = %v", resp)
				}
			}
		})
	}
}

func TestHandler_CreateJobPassesOwner(t *testing.T) {
	env := newTestEnv(t)
	var gotOwner string
	env.jobs.SubmitFunc = func(ctx context.Context, ownerID string, req orchestrator.SubmitRequest) (*domain.TuningJob, error) {
		gotOwner = ownerID
		return &domain.TuningJob{ID: "j", Status: domain.JobQueued}, nil
	}

	env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"name": "x"}, bearer("sess-bob"))
	if gotOwner != "bob" {
		t.Errorf("owner = %q, want bob", gotOwner)
	}
}

func TestHandler_GetJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/jobs/job-1", nil, bearer("sess-alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["jobId"] != "job-1" || resp["status"] != "ready" || resp["tunedModelId"] != "tunedModels/sentiment" {
		t.Errorf("response = %v", resp)
	}
	if resp["percentComplete"] != float64(100) {
		t.Errorf("percentComplete = %v", resp["percentComplete"])
	}
	if _, ok := resp["errorMessage"]; ok {
		t.Error("ready job should not carry errorMessage")
	}

	if rec := env.do(t, http.MethodGet, "/v1/jobs/job-1", nil, bearer("sess-bob")); rec.Code != http.StatusForbidden {
		t.Errorf("other owner status = %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/jobs/missing", nil, bearer("sess-alice")); rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestHandler_CancelJob(t *testing.T) {
	env := newTestEnv(t)
	var cancelled string
	env.jobs.CancelFunc = func(ctx context.Context, jobID string) (*domain.TuningJob, error) {
		cancelled = jobID
		return &domain.TuningJob{ID: jobID, Status: domain.JobCancelled}, nil
	}

	if rec := env.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil, bearer("sess-bob")); rec.Code != http.StatusForbidden {
		t.Errorf("other owner status = %d, want 403", rec.Code)
	}
	if cancelled != "" {
		t.Fatal("cancel should not reach the orchestrator for another owner")
	}

	rec := env.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil, bearer("sess-alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if cancelled != "job-1" {
		t.Errorf("cancelled = %q", cancelled)
	}
}

func TestHandler_APIKeyGenerate(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		path       string
		body       any
		backendErr error
		wantStatus int
		wantType   string
	}{
		{"success", "VALID", "/v1/models/model-1/generate", map[string]string{"input": "great"}, nil, http.StatusOK, ""},
		{"missing key", "", "/v1/models/model-1/generate", map[string]string{"input": "great"}, nil, http.StatusUnauthorized, "authentication_error"},
		{"invalid key", "tg_wrong", "/v1/models/model-1/generate", map[string]string{"input": "great"}, nil, http.StatusForbidden, "permission_error"},
		{"missing key and body", "", "/v1/models/model-1/generate", nil, nil, http.StatusUnauthorized, "authentication_error"},
		{"invalid key and malformed body", "tg_wrong", "/v1/models/model-1/generate", "not json", nil, http.StatusForbidden, "permission_error"},
		{"malformed body", "VALID", "/v1/models/model-1/generate", "not json", nil, http.StatusBadRequest, "invalid_request_error"},
		{"unknown model", "VALID", "/v1/models/model-x/generate", map[string]string{"input": "great"}, nil, http.StatusNotFound, "not_found_error"},
		{"missing input", "VALID", "/v1/models/model-1/generate", map[string]string{}, nil, http.StatusBadRequest, "invalid_request_error"},
		{"provider failure", "VALID", "/v1/models/model-1/generate", map[string]string{"input": "great"},
			domain.NewProviderError(http.StatusInternalServerError, "model crashed"), http.StatusInternalServerError, "provider_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.backendErr != nil {
				env.backend.GenerateFunc = func(ctx context.Context, tunedModelID, input string) (string, error) {
					return "", tt.backendErr
				}
			}

			headers := map[string]string{}
			switch tt.key {
			case "":
			case "VALID":
				headers["X-API-Key"] = env.apiKey
			default:
				headers["X-API-Key"] = tt.key
			}

			rec := env.do(t, http.MethodPost, tt.path, tt.body, headers)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantType != "" {
				if got := errorType(t, rec); got != tt.wantType {
					t.Errorf("error.type = %s, want %s", got, tt.wantType)
				}
				return
			}

			var resp map[string]string
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["output"] != "positive" {
				t.Errorf("output = %q", resp["output"])
			}
			if rec.Header().Get("X-Quota-Limit") != "2" || rec.Header().Get("X-Quota-Remaining") != "1" {
				t.Errorf("quota headers = %s/%s", rec.Header().Get("X-Quota-Limit"), rec.Header().Get("X-Quota-Remaining"))
			}
		})
	}
}

func TestHandler_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-API-Key": env.apiKey}
	body := map[string]string{"input": "great"}

	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/v1/models/model-1/generate", body, headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/models/model-1/generate", body, headers)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if got := errorType(t, rec); got != "quota_exceeded" {
		t.Errorf("error.type = %s", got)
	}
	if rec.Header().Get("X-Quota-Remaining") != "0" {
		t.Errorf("X-Quota-Remaining = %s, want 0", rec.Header().Get("X-Quota-Remaining"))
	}
}

func TestHandler_BreakerOpen(t *testing.T) {
	env := newTestEnv(t)
	env.backend.GenerateFunc = func(ctx context.Context, tunedModelID, input string) (string, error) {
		return "", domain.NewProviderError(http.StatusServiceUnavailable, "overloaded")
	}
	headers := map[string]string{"X-API-Key": env.apiKey}
	body := map[string]string{"input": "great"}

	threshold := circuitbreaker.DefaultConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		if rec := env.do(t, http.MethodPost, "/v1/models/model-1/generate", body, headers); rec.Code != http.StatusInternalServerError {
			t.Fatalf("failure %d status = %d, want 500", i+1, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/models/model-1/generate", body, headers)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := errorType(t, rec); got != "service_unavailable" {
		t.Errorf("error.type = %s", got)
	}
}

func TestHandler_SessionGenerate(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		body       map[string]string
		wantStatus int
	}{
		{"by model id", "sess-alice", map[string]string{"modelId": "model-1", "input": "ok"}, http.StatusOK},
		{"by job id", "sess-alice", map[string]string{"modelId": "job-1", "input": "ok"}, http.StatusOK},
		{"by tuned model id", "sess-alice", map[string]string{"modelId": "tunedModels/sentiment", "input": "ok"}, http.StatusOK},
		{"other owner", "sess-bob", map[string]string{"modelId": "model-1", "input": "ok"}, http.StatusForbidden},
		{"no session", "", map[string]string{"modelId": "model-1", "input": "ok"}, http.StatusUnauthorized},
		{"missing model", "sess-alice", map[string]string{"input": "ok"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var headers map[string]string
			if tt.token != "" {
				headers = bearer(tt.token)
			}
			rec := env.do(t, http.MethodPost, "/v1/generate", tt.body, headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHandler_Models(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/models", nil, bearer("sess-alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Models []domain.TunedModel `json:"models"`
		Count  int                 `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 1 || list.Models[0].ID != "model-1" {
		t.Errorf("models = %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/v1/models", nil, bearer("sess-bob"))
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Count != 0 {
		t.Errorf("bob sees %d models", list.Count)
	}

	if rec := env.do(t, http.MethodGet, "/v1/models/model-1", nil, bearer("sess-alice")); rec.Code != http.StatusOK {
		t.Errorf("get model status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/models/model-1/usage", nil, bearer("sess-alice")); rec.Code != http.StatusOK {
		t.Errorf("usage status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/models/model-1/usage", nil, bearer("sess-bob")); rec.Code != http.StatusForbidden {
		t.Errorf("foreign usage status = %d, want 403", rec.Code)
	}
}

func TestHandler_Admin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewBufferString(`{"ownerId":"bob","name":"ci"}`))
	req.SetBasicAuth("ops", "ops-pass")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d: %s", rec.Code, rec.Body.String())
	}
	var key domain.APIKey
	json.Unmarshal(rec.Body.Bytes(), &key)
	if key.Key == "" || key.OwnerID != "bob" {
		t.Fatalf("key = %+v", key)
	}

	if _, err := env.store.GetAPIKeyByHash(context.Background(), key.KeyHash); err != nil {
		t.Fatalf("issued key not stored: %v", err)
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/api-keys/"+key.KeyHash, nil)
	req.SetBasicAuth("ops", "ops-pass")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete key status = %d", rec.Code)
	}

	if _, err := env.store.GetAPIKeyByHash(context.Background(), key.KeyHash); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("revoked key still resolves, err = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewBufferString(`{"ownerId":"bob"}`))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin status = %d, want 401", rec.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := env.do(t, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	if rec := env.do(t, http.MethodGet, "/health", nil, nil); rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestHandler_ReadyReportsFailingDependency(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Checkers: []HealthChecker{
			CheckFunc{CheckName: "store", Fn: func(ctx context.Context) error { return nil }},
			CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error { return errors.New("connection refused") }},
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var status HealthStatus
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Checks["redis"].Status != "error" || status.Checks["store"].Status != "ok" {
		t.Errorf("checks = %+v", status.Checks)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.InvalidArgument("x"), http.StatusBadRequest},
		{domain.ErrUnauthenticated, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrModelNotReady, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrQuotaExceeded, http.StatusPaymentRequired},
		{domain.ErrCircuitBreakerOpen, http.StatusServiceUnavailable},
		{domain.NewProviderError(0, "timeout"), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _, _ := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
