package service

import (
	"strings"

	"emoji-chat/internal/realtime"
)

// Tree layout
//
//	users/{userId}/rooms/{roomId} = true
//	users/{userId}/profile        = User
//	rooms/{roomId}                = Room
//	messages/{messageId}          = Message
//	roomMessages/{roomId}/{messageId} = true
const (
	usersRoot        = "users"
	roomsRoot        = "rooms"
	messagesRoot     = "messages"
	roomMessagesRoot = "roomMessages"
)

func userRoomsPath(userID string) string {
	return realtime.Join(usersRoot, userID, "rooms")
}

func userRoomPath(userID, roomID string) string {
	return realtime.Join(usersRoot, userID, "rooms", roomID)
}

func userProfilePath(userID string) string {
	return realtime.Join(usersRoot, userID, "profile")
}

func roomPath(roomID string) string {
	return realtime.Join(roomsRoot, roomID)
}

func messagePath(messageID string) string {
	return realtime.Join(messagesRoot, messageID)
}

func roomMessagesPath(roomID string) string {
	return realtime.Join(roomMessagesRoot, roomID)
}

// validKey reports whether id can be used as a single path segment
func validKey(id string) bool {
	if id == "" || strings.Contains(id, "/") {
		return false
	}
	return realtime.Validate(id) == nil
}
