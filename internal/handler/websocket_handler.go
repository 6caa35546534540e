package handler

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"emoji-chat/internal/middleware"
	ws "emoji-chat/internal/websocket"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades authenticated requests into live room-list
// connections
type WebSocketHandler struct {
	hub      *ws.Hub
	chat     ws.ChatService
	upgrader websocket.Upgrader
	// ctx outlives the request so connections survive the handler returning
	ctx context.Context
}

// NewWebSocketHandler creates a WebSocket handler. Browsers must send an
// origin listed in allowedOrigins, or "*" must be listed.
func NewWebSocketHandler(ctx context.Context, hub *ws.Hub, chat ws.ChatService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub:  hub,
		chat: chat,
		ctx:  ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// HandleConnection handles WebSocket upgrade and connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	// Set by the auth middleware from the token query parameter
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("user_id", userID))
		return
	}

	client := ws.NewClient(h.ctx, h.hub, conn, userID, h.chat)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
