package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// PushRegistry stores the caller's push endpoints
type PushRegistry interface {
	Register(ctx context.Context, userID, endpoint, userAgent string) (*domain.PushSubscription, error)
	Unregister(ctx context.Context, userID, id string) error
}

// PushHandler handles push subscription endpoints
type PushHandler struct {
	registry PushRegistry
}

func NewPushHandler(registry PushRegistry) *PushHandler {
	return &PushHandler{registry: registry}
}

// RegisterPushRequest represents a push endpoint registration
type RegisterPushRequest struct {
	Endpoint  string `json:"endpoint"`
	UserAgent string `json:"user_agent"`
}

// Register stores a push endpoint for the caller. Registering the same
// endpoint again returns the existing subscription.
func (h *PushHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var req RegisterPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	sub, err := h.registry.Register(r.Context(), userID, req.Endpoint, req.UserAgent)
	if err != nil {
		writeServiceError(w, r, err, "Failed to register push subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unregister removes one of the caller's push endpoints
func (h *PushHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	if err := h.registry.Unregister(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err, "Failed to remove push subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
