package models

import "time"

// Message types accepted by the conversation store.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// Message represents a persisted conversation message. ID and CreatedAt are always
// server-assigned.
type Message struct {
	ID             int64      `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	SenderID       string     `db:"sender_id" json:"sender_id"`
	Content        string     `db:"content" json:"content"`
	Type           string     `db:"type" json:"type"`
	Attachments    []string   `db:"-" json:"attachments,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	EditedAt       *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Reaction is a single user's emoji reaction to a message.
type Reaction struct {
	MessageID      int64     `db:"message_id" json:"message_id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Emoji          string    `db:"emoji" json:"emoji"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ReadReceipt records how far a member has read a conversation.
type ReadReceipt struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	MessageID      int64     `db:"last_read_message_id" json:"message_id"`
	ReadAt         time.Time `db:"last_read_at" json:"read_at"`
	UnreadCount    int       `db:"unread_count" json:"unread_count"`
}
