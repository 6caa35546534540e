package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// RoomOptions allows customizing room fixture creation
type RoomOptions struct {
	ID           string
	Name         string
	CreatedBy    string
	Participants []string
	UpdatedAt    int64
	LastMessage  *domain.LastMessage
}

// NewTestRoom creates a test room with sensible defaults
// Pass options to override specific fields
func NewTestRoom(opts ...func(*RoomOptions)) *domain.Room {
	o := &RoomOptions{
		ID: nextID("room"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Name == "" {
		o.Name = "Room " + o.ID
	}

	room := &domain.Room{
		ID:          o.ID,
		Name:        o.Name,
		CreatedBy:   o.CreatedBy,
		CreatedAt:   time.Now().UnixMilli(),
		UpdatedAt:   o.UpdatedAt,
		LastMessage: o.LastMessage,
	}
	if len(o.Participants) > 0 {
		room.Participants = make(map[string]bool, len(o.Participants))
		for _, p := range o.Participants {
			room.Participants[p] = true
		}
	}
	return room
}

// Room option functions

// WithRoomID sets the room ID
func WithRoomID(id string) func(*RoomOptions) {
	return func(o *RoomOptions) {
		o.ID = id
	}
}

// WithRoomName sets the room name
func WithRoomName(name string) func(*RoomOptions) {
	return func(o *RoomOptions) {
		o.Name = name
	}
}

// WithUpdatedAt sets the activity timestamp in epoch milliseconds
func WithUpdatedAt(ms int64) func(*RoomOptions) {
	return func(o *RoomOptions) {
		o.UpdatedAt = ms
	}
}

// WithParticipants lists the room participants
func WithParticipants(ids ...string) func(*RoomOptions) {
	return func(o *RoomOptions) {
		o.Participants = ids
	}
}

// WithLastMessage sets the room summary
func WithLastMessage(content, senderID string, createdAt int64) func(*RoomOptions) {
	return func(o *RoomOptions) {
		o.LastMessage = &domain.LastMessage{Content: content, SenderID: senderID, CreatedAt: createdAt}
	}
}

// MessageOptions allows customizing message fixture creation
type MessageOptions struct {
	ID        string
	RoomID    string
	SenderID  string
	Content   string
	CreatedAt int64
}

// NewTestMessage creates a test message with sensible defaults
func NewTestMessage(opts ...func(*MessageOptions)) *domain.Message {
	o := &MessageOptions{
		ID:        nextID("msg"),
		RoomID:    nextID("room"),
		SenderID:  nextID("user"),
		Content:   "Test message content",
		CreatedAt: time.Now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(o)
	}

	return &domain.Message{
		ID:        o.ID,
		RoomID:    o.RoomID,
		SenderID:  o.SenderID,
		Content:   o.Content,
		CreatedAt: o.CreatedAt,
		Sent:      true,
	}
}

// Message option functions

// WithMessageRoomID sets the room of the message
func WithMessageRoomID(roomID string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.RoomID = roomID
	}
}

// WithSenderID sets the sender of the message
func WithSenderID(senderID string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.SenderID = senderID
	}
}

// WithContent sets the message content
func WithContent(content string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.Content = content
	}
}

// NewTestUser creates a profile for id
func NewTestUser(id string) *domain.User {
	now := time.Now().UnixMilli()
	return &domain.User{
		ID:          id,
		DisplayName: "User " + id,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SeedRoom writes room and adds it to the index of every member
func SeedRoom(ctx context.Context, b realtime.Backend, room *domain.Room, members ...string) error {
	if err := b.Set(ctx, realtime.Join("rooms", room.ID), room); err != nil {
		return err
	}
	for _, userID := range members {
		if err := b.Set(ctx, realtime.Join("users", userID, "rooms", room.ID), true); err != nil {
			return err
		}
	}
	return nil
}

// SeedIndex adds roomIDs to userID's room index without writing room records
func SeedIndex(ctx context.Context, b realtime.Backend, userID string, roomIDs ...string) error {
	for _, id := range roomIDs {
		if err := b.Set(ctx, realtime.Join("users", userID, "rooms", id), true); err != nil {
			return err
		}
	}
	return nil
}
