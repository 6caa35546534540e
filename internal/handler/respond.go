package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors onto status codes. Anything not
// recognised is logged and reported as a 500 with fallback as the message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, `{"error":"Invalid input"}`, http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotMember):
		http.Error(w, `{"error":"Not a member of this room"}`, http.StatusForbidden)
	case errors.Is(err, domain.ErrRoomNotFound):
		http.Error(w, `{"error":"Room not found"}`, http.StatusNotFound)
	case errors.Is(err, domain.ErrUserNotFound):
		http.Error(w, `{"error":"User not found"}`, http.StatusNotFound)
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		http.Error(w, `{"error":"Subscription not found"}`, http.StatusNotFound)
	default:
		observability.FromContext(r.Context()).Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"`+fallback+`"}`, http.StatusInternalServerError)
	}
}
