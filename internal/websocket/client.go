package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/service"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 4096
	requestTimeout = 5 * time.Second
)

// Conn is the part of *websocket.Conn the client uses
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ChatService is what a connection needs from the synchronization layer
type ChatService interface {
	SendMessage(ctx context.Context, roomID, senderID, content string) (string, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	SubscribeToUserRooms(ctx context.Context, userID string, onRooms func([]*domain.Room), opts ...service.SubscriptionOption) *service.RoomSubscription
}

type Client struct {
	hub       *Hub
	conn      Conn
	send      chan []byte
	userID    string
	chat      ChatService
	sub       *service.RoomSubscription
	writeMu   sync.Mutex
	closed    atomic.Bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

func NewClient(ctx context.Context, hub *Hub, conn Conn, userID string, chat ChatService) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		chat:      chat,
		ctx:       clientCtx,
		ctxCancel: cancel,
	}
}

// ReadPump follows the user's room list and handles frames from the browser
// until the connection drops
func (c *Client) ReadPump() {
	defer func() {
		c.ctxCancel()
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn("failed to set read deadline in pong handler",
				slog.String("error", err.Error()),
				slog.String("user_id", c.userID))
			return err
		}
		return nil
	})

	c.sub = c.chat.SubscribeToUserRooms(c.ctx, c.userID, c.onRooms, service.WithErrorHandler(c.onRoomsError))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("user_id", c.userID))
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			slog.Warn("invalid message format",
				slog.String("error", err.Error()),
				slog.String("user_id", c.userID))
			c.sendError("invalid message format", "")
			continue
		}

		switch clientMsg.Type {
		case ClientSendMessage:
			c.handleSendMessage(&clientMsg)
		default:
			c.sendError("unknown message type", "")
		}
	}
}

func (c *Client) handleSendMessage(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	if msg.RoomID == "" {
		c.sendError("room_id is required", "")
		return
	}

	member, err := c.chat.IsMember(ctx, msg.RoomID, c.userID)
	if err != nil {
		slog.Error("error checking membership",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID),
			slog.String("room_id", msg.RoomID))
		c.sendError("failed to send message", msg.RoomID)
		return
	}
	if !member {
		c.sendError(domain.ErrNotMember.Error(), msg.RoomID)
		return
	}

	id, err := c.chat.SendMessage(ctx, msg.RoomID, c.userID, msg.Content)
	if err != nil {
		slog.Error("error saving message",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID),
			slog.String("room_id", msg.RoomID))
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			c.sendError(domain.ErrInvalidInput.Error(), msg.RoomID)
		case errors.Is(err, domain.ErrRoomNotFound):
			c.sendError(domain.ErrRoomNotFound.Error(), msg.RoomID)
		default:
			c.sendError("failed to send message", msg.RoomID)
		}
		return
	}

	c.sendFrame(AckFrame{Type: FrameMessageSent, ID: id, RoomID: msg.RoomID})
}

// onRooms runs on the subscription worker
func (c *Client) onRooms(rooms []*domain.Room) {
	ids := make([]string, len(rooms))
	for i, room := range rooms {
		ids[i] = room.ID
	}
	data, err := json.Marshal(NewRoomsFrame(rooms))
	if err != nil {
		slog.Error("failed to marshal rooms frame",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID))
		return
	}
	c.hub.SetRooms(c, ids, data)
}

func (c *Client) onRoomsError(err error) {
	slog.Warn("room subscription failed",
		slog.String("error", err.Error()),
		slog.String("user_id", c.userID))
	c.sendError("room list unavailable", "")
}

func (c *Client) sendError(message, roomID string) {
	c.sendFrame(ErrorFrame{Type: FrameError, Error: message, RoomID: roomID})
}

func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to marshal frame",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID))
		return
	}
	c.hub.Send(c, data)
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				_ = c.writeMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Warn("failed to set write deadline",
			slog.String("error", err.Error()),
			slog.String("user_id", c.userID))
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// closeConnection safely closes the WebSocket connection
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
