package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
)

const defaultMessageLimit = 50

// RoomService is the part of the chat service the room endpoints use
type RoomService interface {
	GetUserRooms(ctx context.Context, userID string) ([]*domain.Room, error)
	CreateRoom(ctx context.Context, name, createdBy string, participants []string) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	GetMessages(ctx context.Context, roomID string, limit int) ([]*domain.Message, error)
	SendMessage(ctx context.Context, roomID, senderID, content string) (string, error)
	RepairRoomSummary(ctx context.Context, roomID string) (*domain.Room, error)
}

// RoomHandler handles room and message endpoints
type RoomHandler struct {
	rooms RoomService
}

func NewRoomHandler(rooms RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

// CreateRoomRequest represents room creation request
type CreateRoomRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// SendMessageRequest represents a message posted over HTTP
type SendMessageRequest struct {
	Content string `json:"content"`
}

// List returns the caller's rooms, most recently active first
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"User not authenticated"}`, http.StatusUnauthorized)
		return
	}

	rooms, err := h.rooms.GetUserRooms(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to retrieve rooms")
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
	})
}

// Create creates a room with the caller as a participant
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"User not authenticated"}`, http.StatusUnauthorized)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), req.Name, userID, req.Participants)
	if err != nil {
		writeServiceError(w, r, err, "Failed to create room")
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

// Get returns one of the caller's rooms
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, roomID, ok := h.authorizeRoom(w, r)
	if !ok {
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to retrieve room")
		return
	}

	writeJSON(w, http.StatusOK, room)
}

// Repair rebuilds the room's lastMessage from its newest message
func (h *RoomHandler) Repair(w http.ResponseWriter, r *http.Request) {
	_, roomID, ok := h.authorizeRoom(w, r)
	if !ok {
		return
	}

	room, err := h.rooms.RepairRoomSummary(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to repair room")
		return
	}

	writeJSON(w, http.StatusOK, room)
}

// GetMessages retrieves the newest messages of a room, oldest first
func (h *RoomHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	_, roomID, ok := h.authorizeRoom(w, r)
	if !ok {
		return
	}

	limit := defaultMessageLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil {
			limit = parsedLimit
		}
	}

	messages, err := h.rooms.GetMessages(r.Context(), roomID, limit)
	if err != nil {
		writeServiceError(w, r, err, "Failed to retrieve messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// SendMessage writes a message as the caller
func (h *RoomHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, roomID, ok := h.authorizeRoom(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	id, err := h.rooms.SendMessage(r.Context(), roomID, userID, req.Content)
	if err != nil {
		writeServiceError(w, r, err, "Failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// authorizeRoom resolves the caller and the {id} room and writes the error
// response when the caller may not access it. Missing rooms are 404, rooms
// the caller does not participate in are 403.
func (h *RoomHandler) authorizeRoom(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"User not authenticated"}`, http.StatusUnauthorized)
		return "", "", false
	}

	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		http.Error(w, `{"error":"Room ID required"}`, http.StatusBadRequest)
		return "", "", false
	}

	isMember, err := h.rooms.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to check membership")
		return "", "", false
	}
	if !isMember {
		if _, err := h.rooms.GetRoom(r.Context(), roomID); errors.Is(err, domain.ErrRoomNotFound) {
			writeServiceError(w, r, err, "")
			return "", "", false
		}
		http.Error(w, `{"error":"Not a member of this room"}`, http.StatusForbidden)
		return "", "", false
	}

	return userID, roomID, true
}
