package domain

import (
	"errors"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("user is not a member of this room")
	ErrInvalidInput = errors.New("invalid input")
)

// LastMessage is the denormalized summary of the newest message in a room
type LastMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	CreatedAt int64  `json:"createdAt"`
}

// Room represents a conversation. Timestamps are epoch milliseconds.
type Room struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	CreatedBy    string          `json:"createdBy,omitempty"`
	CreatedAt    int64           `json:"createdAt,omitempty"`
	Participants map[string]bool `json:"participants,omitempty"`
	LastMessage  *LastMessage    `json:"lastMessage,omitempty"`
	UpdatedAt    int64           `json:"updatedAt,omitempty"`
}

// HasParticipant reports whether userID is listed on the room record
func (r *Room) HasParticipant(userID string) bool {
	return r.Participants[userID]
}

// ParticipantIDs returns the participant ids in no particular order
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for id, ok := range r.Participants {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}
