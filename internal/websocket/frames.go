package websocket

import (
	"emoji-chat/internal/domain"
)

// Frame types
const (
	FrameRooms          = "rooms"
	FrameMessageCreated = "message_created"
	FrameMessageSent    = "message_sent"
	FrameError          = "error"

	ClientSendMessage = "send_message"
)

// ClientMessage is a frame sent by the browser
type ClientMessage struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// RoomsFrame carries the caller's room list, most recently active first
type RoomsFrame struct {
	Type  string         `json:"type"`
	Rooms []*domain.Room `json:"rooms"`
}

// MessageFrame announces a message written to one of the caller's rooms
type MessageFrame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message"`
}

// AckFrame confirms a send_message request
type AckFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

// ErrorFrame reports a failed request or a lost room subscription
type ErrorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	RoomID string `json:"room_id,omitempty"`
}

func NewRoomsFrame(rooms []*domain.Room) RoomsFrame {
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	return RoomsFrame{Type: FrameRooms, Rooms: rooms}
}

func NewMessageFrame(msg *domain.Message) MessageFrame {
	return MessageFrame{Type: FrameMessageCreated, Message: msg}
}
