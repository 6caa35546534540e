package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
)

// BroadcastMessage represents a frame to be sent to every client in a room
type BroadcastMessage struct {
	RoomID  string
	Message []byte
}

// directMessage is a frame for a single client
type directMessage struct {
	client  *Client
	message []byte
}

// membership replaces the set of rooms a client receives broadcasts for. The
// frame, if any, is delivered in the same step.
type membership struct {
	client  *Client
	roomIDs []string
	frame   []byte
}

// Hub maintains active clients and broadcasts messages. All client state is
// owned by the Run goroutine.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by room, derived from each client's live room list
	rooms map[string]map[*Client]bool

	// Rooms per client, to undo membership on change
	clientRooms map[*Client][]string

	broadcast  chan *BroadcastMessage
	direct     chan *directMessage
	membership chan *membership
	register   chan *Client
	unregister chan *Client

	// Shutdown signal
	done chan struct{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		clientRooms: make(map[*Client][]string),
		broadcast:   make(chan *BroadcastMessage, 256),
		direct:      make(chan *directMessage, 256),
		membership:  make(chan *membership, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = true
			observability.WebSocketConnectionsActive.Inc()
			slog.Info("client registered",
				slog.String("user_id", client.userID))

		case client := <-h.unregister:
			h.unregisterClient(client)

		case m := <-h.membership:
			if h.clients[m.client] {
				h.setRooms(m.client, m.roomIDs)
				if m.frame != nil {
					h.deliver(m.client, m.frame, "rooms")
				}
			}

		case d := <-h.direct:
			if h.clients[d.client] {
				h.deliver(d.client, d.message, "direct")
			}

		case message := <-h.broadcast:
			for client := range h.rooms[message.RoomID] {
				h.deliver(client, message.Message, "broadcast")
			}
		}
	}
}

// deliver queues a frame without blocking the hub. A client whose buffer is
// full is dropped.
func (h *Hub) deliver(client *Client, message []byte, kind string) {
	select {
	case client.send <- message:
		observability.WebSocketMessagesSent.WithLabelValues(kind).Inc()
	default:
		slog.Warn("client send buffer full, dropping connection",
			slog.String("user_id", client.userID))
		h.unregisterClient(client)
	}
}

func (h *Hub) setRooms(client *Client, roomIDs []string) {
	for _, id := range h.clientRooms[client] {
		if members, ok := h.rooms[id]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
	}

	for _, id := range roomIDs {
		if h.rooms[id] == nil {
			h.rooms[id] = make(map[*Client]bool)
		}
		h.rooms[id][client] = true
	}
	h.clientRooms[client] = roomIDs
}

// unregisterClient safely removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.setRooms(client, nil)
	delete(h.clientRooms, client)
	delete(h.clients, client)
	close(client.send)
	observability.WebSocketConnectionsActive.Dec()
	slog.Info("client unregistered",
		slog.String("user_id", client.userID))
}

// shutdown performs graceful cleanup of all connections
func (h *Hub) shutdown() {
	close(h.done)

	for client := range h.clients {
		close(client.send)
		observability.WebSocketConnectionsActive.Dec()
		slog.Info("closed client connection",
			slog.String("user_id", client.userID))
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
	h.clientRooms = make(map[*Client][]string)

	slog.Info("hub shutdown complete")
}

// Broadcast sends a frame to all clients following roomID
func (h *Hub) Broadcast(roomID string, message []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{RoomID: roomID, Message: message}:
	case <-h.done:
	}
}

// Send delivers a frame to one client
func (h *Hub) Send(client *Client, message []byte) {
	select {
	case h.direct <- &directMessage{client: client, message: message}:
	case <-h.done:
	}
}

// SetRooms makes client receive broadcasts for exactly roomIDs, then sends it
// frame when frame is not nil
func (h *Hub) SetRooms(client *Client, roomIDs []string, frame []byte) {
	select {
	case h.membership <- &membership{client: client, roomIDs: roomIDs, frame: frame}:
	case <-h.done:
	}
}

// Register registers a client with the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// PublishMessageCreated broadcasts msg to the clients following its room.
// It lets the hub stand in for the broker when none is configured.
func (h *Hub) PublishMessageCreated(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(NewMessageFrame(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message frame: %w", err)
	}
	select {
	case h.broadcast <- &BroadcastMessage{RoomID: msg.RoomID, Message: data}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
