package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/tunegate/internal/auth"
)

func (h *Handler) mountAdmin(m *auth.RBACMiddleware) {
	h.mux.Handle("POST /admin/api-keys", m.Protect(auth.PermissionAPIKeyWrite, h.createAPIKey))
	h.mux.Handle("DELETE /admin/api-keys/{hash}", m.Protect(auth.PermissionAPIKeyDelete, h.deleteAPIKey))
	h.mux.Handle("POST /admin/jobs/{id}/cancel", m.Protect(auth.PermissionJobCancel, h.adminCancelJob))
}

type CreateAPIKeyRequest struct {
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	key, err := auth.IssueAPIKey(r.Context(), h.apiKeys, req.OwnerID, req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	operator := ""
	if u, ok := auth.UserFromContext(r.Context()); ok {
		operator = u.Username
	}
	slog.Info("api key issued", "owner_id", key.OwnerID, "name", key.Name, "operator", operator)

	writeJSON(w, http.StatusCreated, key)
}

func (h *Handler) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	if err := h.apiKeys.DeleteAPIKey(r.Context(), hash); err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("api key revoked", "key_hash", hash)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("job cancelled by operator", "job_id", job.ID, "status", job.Status)
	writeJSON(w, http.StatusOK, newJobResponse(job))
}
