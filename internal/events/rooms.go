package events

import "strings"

const (
	conversationRoomPrefix = "conversation:"
	userRoomPrefix         = "user:"
)

// ConversationRoom names the broadcast group of a conversation.
func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// UserRoom names the private broadcast group reaching every connection of a user.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// ConversationFromRoom returns the conversation id of a conversation room name.
func ConversationFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, conversationRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, conversationRoomPrefix), true
}

// Delivery is an encoded frame addressed to a room, as carried between server processes.
type Delivery struct {
	Room          string `json:"room"`
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
	Origin        string `json:"origin,omitempty"`
	Frame         []byte `json:"frame"`
}
