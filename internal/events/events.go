package events

import (
	"encoding/json"
	"time"

	"realtime-service/internal/models"
)

// Type tags an inbound or outbound frame.
type Type string

// Inbound event types.
const (
	JoinConversation  Type = "join_conversation"
	LeaveConversation Type = "leave_conversation"
	SendMessage       Type = "send_message"
	EditMessage       Type = "edit_message"
	DeleteMessage     Type = "delete_message"
	TypingStart       Type = "typing_start"
	TypingStop        Type = "typing_stop"
	MarkAsRead        Type = "mark_as_read"
	ReactToMessage    Type = "react_to_message"
	RemoveReaction    Type = "remove_reaction"
	Ping              Type = "ping"
)

// Outbound event types.
const (
	UserTyping             Type = "user_typing"
	UserStoppedTyping      Type = "user_stopped_typing"
	MessageCreated         Type = "message_created"
	MessageUpdated         Type = "message_updated"
	MessageDeleted         Type = "message_deleted"
	ReactionAdded          Type = "reaction_added"
	ReactionRemoved        Type = "reaction_removed"
	ReadReceiptAdded       Type = "read_receipt_added"
	PresenceChanged        Type = "presence_changed"
	UserJoinedConversation Type = "user_joined_conversation"
	UserLeftConversation   Type = "user_left_conversation"
	Connected              Type = "connected"
	Ack                    Type = "ack"
	Error                  Type = "error"
	AuthError              Type = "auth_error"
	Pong                   Type = "pong"
)

// Inbound is the frame a client sends. Data is decoded by the handler registered for Type.
type Inbound struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is implemented by every payload the server emits. The set of implementations is
// closed to this package.
type Outbound interface {
	EventType() Type
	outbound()
}

// Frame is the wire shape of an outbound event.
type Frame struct {
	Type Type     `json:"type"`
	Data Outbound `json:"data"`
}

// Encode renders an outbound event as a JSON text frame.
func Encode(evt Outbound) ([]byte, error) {
	return json.Marshal(Frame{Type: evt.EventType(), Data: evt})
}

// Inbound payloads.

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Type           string   `json:"type,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

type EditMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Content        string `json:"content"`
}

type MessageRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

type ReactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Emoji          string `json:"emoji"`
}

// Outbound payloads.

type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name,omitempty"`
}

type StoppedTypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type MessageCreatedEvent struct {
	Message models.Message  `json:"message"`
	Sender  models.Identity `json:"sender"`
}

type MessageUpdatedEvent struct {
	Message models.Message `json:"message"`
}

// MessageDeletedEvent is the tombstone broadcast after a delete.
type MessageDeletedEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	DeletedBy      string    `json:"deleted_by"`
	DeletedAt      time.Time `json:"deleted_at"`
}

type ReactionAddedEvent struct {
	Reaction models.Reaction `json:"reaction"`
}

type ReactionRemovedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

type ReadReceiptEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageID      int64     `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

type PresenceEvent struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Online         bool      `json:"online"`
	At             time.Time `json:"at"`
}

type ConversationViewerEvent struct {
	ConversationID string          `json:"conversation_id"`
	User           models.Identity `json:"user"`
	Joined         bool            `json:"-"`
}

type ConnectedEvent struct {
	ConnectionID string          `json:"connection_id"`
	User         models.Identity `json:"user"`
}

// AckEvent acknowledges a client request. Result carries the operation outcome, if any.
type AckEvent struct {
	RequestID string `json:"request_id,omitempty"`
	Event     Type   `json:"event"`
	Result    any    `json:"result,omitempty"`
}

type ErrorEvent struct {
	RequestID string `json:"request_id,omitempty"`
	Event     Type   `json:"event,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type AuthErrorEvent struct {
	Reason string `json:"reason"`
}

type PongEvent struct {
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

func (TypingEvent) EventType() Type          { return UserTyping }
func (StoppedTypingEvent) EventType() Type   { return UserStoppedTyping }
func (MessageCreatedEvent) EventType() Type  { return MessageCreated }
func (MessageUpdatedEvent) EventType() Type  { return MessageUpdated }
func (MessageDeletedEvent) EventType() Type  { return MessageDeleted }
func (ReactionAddedEvent) EventType() Type   { return ReactionAdded }
func (ReactionRemovedEvent) EventType() Type { return ReactionRemoved }
func (ReadReceiptEvent) EventType() Type     { return ReadReceiptAdded }
func (PresenceEvent) EventType() Type        { return PresenceChanged }
func (ConnectedEvent) EventType() Type       { return Connected }
func (AckEvent) EventType() Type             { return Ack }
func (ErrorEvent) EventType() Type           { return Error }
func (AuthErrorEvent) EventType() Type       { return AuthError }
func (PongEvent) EventType() Type            { return Pong }

func (e ConversationViewerEvent) EventType() Type {
	if e.Joined {
		return UserJoinedConversation
	}
	return UserLeftConversation
}

func (TypingEvent) outbound()             {}
func (StoppedTypingEvent) outbound()      {}
func (MessageCreatedEvent) outbound()     {}
func (MessageUpdatedEvent) outbound()     {}
func (MessageDeletedEvent) outbound()     {}
func (ReactionAddedEvent) outbound()      {}
func (ReactionRemovedEvent) outbound()    {}
func (ReadReceiptEvent) outbound()        {}
func (PresenceEvent) outbound()           {}
func (ConversationViewerEvent) outbound() {}
func (ConnectedEvent) outbound()          {}
func (AckEvent) outbound()                {}
func (ErrorEvent) outbound()              {}
func (AuthErrorEvent) outbound()          {}
func (PongEvent) outbound()               {}
