// Package router picks the inference backend for a tuned model and guards
// each backend with a circuit breaker.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/felipepmaragno/tunegate/internal/circuitbreaker"
	"github.com/felipepmaragno/tunegate/internal/domain"
)

// InferenceClient generates text with a tuned model.
type InferenceClient interface {
	ID() string
	Generate(ctx context.Context, tunedModelID, input string) (string, error)
	HealthCheck(ctx context.Context) error
}

type route struct {
	prefix string
	client InferenceClient
}

type Router struct {
	routes   []route
	fallback InferenceClient
	breakers *circuitbreaker.Manager
}

// New builds a Router. Models that match no registered prefix go to fallback.
func New(fallback InferenceClient, breakers *circuitbreaker.Manager) *Router {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil)
	}
	return &Router{fallback: fallback, breakers: breakers}
}

// Route sends tuned-model ids starting with prefix to client. The first
// registered matching prefix wins.
func (r *Router) Route(prefix string, client InferenceClient) *Router {
	r.routes = append(r.routes, route{prefix: prefix, client: client})
	return r
}

func (r *Router) Select(tunedModelID string) (InferenceClient, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(tunedModelID, rt.prefix) {
			return rt.client, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, domain.NewProviderError(0, fmt.Sprintf("no inference backend for model %q", tunedModelID))
}

// Generate calls the selected backend. Only transient failures count against
// the breaker; a 4xx means the request was wrong, not the backend.
func (r *Router) Generate(ctx context.Context, tunedModelID, input string) (string, error) {
	client, err := r.Select(tunedModelID)
	if err != nil {
		return "", err
	}

	cb := r.breakers.Get(client.ID())
	if err := cb.Allow(); err != nil {
		return "", fmt.Errorf("%s: %w", client.ID(), err)
	}

	out, err := client.Generate(ctx, tunedModelID, input)
	if err != nil {
		if domain.IsTransient(err) {
			cb.RecordFailure()
		}
		return "", err
	}

	cb.RecordSuccess()
	return out, nil
}

func (r *Router) Backends() []InferenceClient {
	seen := make(map[string]bool)
	var clients []InferenceClient
	add := func(c InferenceClient) {
		if c != nil && !seen[c.ID()] {
			seen[c.ID()] = true
			clients = append(clients, c)
		}
	}
	for _, rt := range r.routes {
		add(rt.client)
	}
	add(r.fallback)
	return clients
}

func (r *Router) BreakerStates() map[string]string {
	return r.breakers.States()
}
