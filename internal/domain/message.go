package domain

import (
	"context"
)

// Message represents a chat message. Messages are immutable once written.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	Sent      bool   `json:"sent"`
}

// Summary returns the room summary for this message
func (m *Message) Summary() *LastMessage {
	return &LastMessage{
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}

// MessageEvent is published after a message has been written
type MessageEvent struct {
	Type      string   `json:"type"`
	Message   *Message `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

const EventMessageCreated = "message.created"

// MessagePublisher announces written messages to other processes
type MessagePublisher interface {
	PublishMessageCreated(ctx context.Context, msg *Message) error
}
