// Package gemini talks to the Generative Language REST API: it creates tuned
// models, polls their tuning operations and generates text with them.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/httputil"
)

const (
	DefaultBaseURL   = "https://generativelanguage.googleapis.com"
	DefaultBaseModel = "models/gemini-1.5-flash-001-tuning"
)

type Config struct {
	APIKey  string
	BaseURL string
	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httputil.DefaultClient()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
		limiter: limiter,
	}
}

func (c *Client) ID() string {
	return "gemini"
}

type tuningExample struct {
	TextInput string `json:"text_input"`
	Output    string `json:"output"`
}

type createTunedModelRequest struct {
	DisplayName string     `json:"display_name"`
	BaseModel   string     `json:"base_model"`
	TuningTask  tuningTask `json:"tuning_task"`
}

type tuningTask struct {
	Hyperparameters hyperparameters `json:"hyperparameters"`
	TrainingData    trainingData    `json:"training_data"`
}

type hyperparameters struct {
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	EpochCount   int     `json:"epoch_count"`
}

type trainingData struct {
	Examples struct {
		Examples []tuningExample `json:"examples"`
	} `json:"examples"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Metadata *struct {
		CompletedPercent *float64 `json:"completedPercent"`
		TunedModel       string   `json:"tunedModel"`
	} `json:"metadata"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type errorResponse struct {
	Error *apiError `json:"error"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Submit starts a tuning operation and returns its operation name.
func (c *Client) Submit(ctx context.Context, spec domain.TuningSpec) (string, error) {
	if len(spec.TrainingExamples) == 0 {
		return "", domain.InvalidArgument("trainingExamples must not be empty")
	}

	baseModel := spec.BaseModel
	if baseModel == "" {
		baseModel = DefaultBaseModel
	}
	hp := spec.Hyperparameters
	if hp == (domain.Hyperparameters{}) {
		hp = domain.DefaultHyperparameters()
	}

	req := createTunedModelRequest{
		DisplayName: spec.DisplayName,
		BaseModel:   baseModel,
		TuningTask: tuningTask{
			Hyperparameters: hyperparameters{
				BatchSize:    hp.BatchSize,
				LearningRate: hp.LearningRate,
				EpochCount:   hp.EpochCount,
			},
		},
	}
	for _, ex := range spec.TrainingExamples {
		req.TuningTask.TrainingData.Examples.Examples = append(req.TuningTask.TrainingData.Examples.Examples,
			tuningExample{TextInput: ex.Input, Output: ex.Output})
	}

	var op operation
	if err := c.do(ctx, http.MethodPost, "/v1beta/tunedModels", req, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", domain.NewProviderError(http.StatusBadGateway, "tuning response carried no operation name")
	}

	return op.Name, nil
}

// Poll reads the current state of a tuning operation.
func (c *Client) Poll(ctx context.Context, handle string) (*domain.PollResult, error) {
	var op operation
	if err := c.do(ctx, http.MethodGet, "/v1/"+strings.TrimPrefix(handle, "/"), nil, &op); err != nil {
		return nil, err
	}

	result := &domain.PollResult{Done: op.Done}
	if op.Metadata != nil {
		if op.Metadata.CompletedPercent != nil {
			result.PercentComplete = *op.Metadata.CompletedPercent
			result.HasProgress = true
		}
		if op.Done {
			result.TunedModelID = op.Metadata.TunedModel
		}
	}
	if op.Error != nil {
		result.Error = op.Error.Message
	}

	return result, nil
}

// Generate runs one prompt against a tuned model and returns the first candidate's text.
func (c *Client) Generate(ctx context.Context, tunedModelID, input string) (string, error) {
	req := generateRequest{
		Contents: []content{{Parts: []part{{Text: input}}}},
	}

	var resp generateResponse
	path := "/v1beta/" + strings.TrimPrefix(tunedModelID, "/") + ":generateContent"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", domain.NewProviderError(http.StatusBadGateway, "model returned no candidates")
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1beta/models?pageSize=1", nil, &out); err != nil {
		return fmt.Errorf("gemini unhealthy: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewProviderError(0, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.NewProviderError(http.StatusBadGateway, fmt.Sprintf("decode response: %v", err))
	}

	return nil
}

func parseError(status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil && er.Error.Message != "" {
		return domain.NewProviderError(status, er.Error.Message)
	}
	return domain.NewProviderError(status, fmt.Sprintf("gemini error: status=%d", status))
}
