package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/middleware"
)

// ProfileService reads and updates user profiles
type ProfileService interface {
	GetProfile(ctx context.Context, userID string) (*domain.User, error)
	UpdateProfile(ctx context.Context, userID, displayName, avatarURL string) (*domain.User, error)
}

// ProfileHandler handles the /me endpoints
type ProfileHandler struct {
	profiles ProfileService
}

func NewProfileHandler(profiles ProfileService) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

// UpdateProfileRequest represents a profile update. Omitted fields are cleared.
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Me returns the authenticated user's profile
func (h *ProfileHandler) Me(w http.ResponseWriter, r *http.Request) {
	if user, ok := middleware.GetUser(r.Context()); ok && user != nil {
		writeJSON(w, http.StatusOK, user)
		return
	}

	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	user, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to retrieve profile")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Update sets the caller's display name and avatar
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	user, err := h.profiles.UpdateProfile(r.Context(), userID, req.DisplayName, req.AvatarURL)
	if err != nil {
		writeServiceError(w, r, err, "Failed to update profile")
		return
	}

	writeJSON(w, http.StatusOK, user)
}
