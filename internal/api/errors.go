package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/telemetry"
)

// statusFor maps a domain error to its HTTP status, error type and the
// message shown to the caller.
func statusFor(err error) (int, string, string) {
	var pe *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request_error", err.Error()
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication_error", "missing or invalid credentials"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "permission_error", "invalid API key"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "permission_error", "not allowed to access this resource"
	case errors.Is(err, domain.ErrModelNotReady):
		return http.StatusConflict, "conflict_error", "model is not ready"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found_error", err.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict_error", err.Error()
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded", "daily request quota exceeded"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable, "service_unavailable", "inference backend temporarily unavailable"
	case errors.As(err, &pe):
		return http.StatusInternalServerError, "provider_error", domain.MessageOf(pe)
	}
	return http.StatusInternalServerError, "internal_error", "internal error"
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get("X-Request-ID"),
			"trace_id", telemetry.GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, errType, message)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
