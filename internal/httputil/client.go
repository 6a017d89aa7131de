// Package httputil builds the HTTP clients used for provider calls.
package httputil

import (
	"net"
	"net/http"
	"time"
)

type ClientConfig struct {
	// Timeout bounds a whole request. Inference calls rely on it to fail
	// with a transient provider error instead of hanging the caller.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	UserAgent             string
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               60 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		UserAgent:             "tunegate",
	}
}

// WithTimeout returns cfg with the request timeout replaced. A response header
// timeout longer than the request timeout is clamped to it.
func (cfg ClientConfig) WithTimeout(d time.Duration) ClientConfig {
	cfg.Timeout = d
	if d > 0 && cfg.ResponseHeaderTimeout > d {
		cfg.ResponseHeaderTimeout = d
	}
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	if cfg.UserAgent != "" {
		transport = &userAgentTransport{base: transport, userAgent: cfg.UserAgent}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}
