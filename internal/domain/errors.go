package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrModelNotFound      = fmt.Errorf("model %w", ErrNotFound)
	ErrAPIKeyNotFound     = fmt.Errorf("api key %w", ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("session %w", ErrNotFound)
	ErrModelNotReady      = errors.New("model not ready")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrConflict           = errors.New("conflict")
	ErrProviderError      = errors.New("provider error")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// InvalidArgument wraps ErrInvalidArgument with a caller-facing reason.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ProviderError carries an upstream failure. Message is the provider's text, verbatim.
// StatusCode is 0 for transport failures.
type ProviderError struct {
	Message    string
	StatusCode int
}

func NewProviderError(statusCode int, message string) *ProviderError {
	return &ProviderError{Message: message, StatusCode: statusCode}
}

func (e *ProviderError) Error() string {
	return e.Message
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderError
}

// Transient reports whether the same call may succeed later.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether err is worth retrying on the next poll tick.
// Errors that are not ProviderErrors (store hiccups, timeouts) count as transient.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return true
}

// MessageOf returns the most specific message for err, falling back to "Unknown error".
func MessageOf(err error) string {
	if err == nil {
		return "Unknown error"
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}
