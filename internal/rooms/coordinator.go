package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/presence"
)

var (
	ErrNotAMember = errors.New("not a member of conversation")
	// ErrMembershipCheck means membership could not be determined; the action is refused.
	ErrMembershipCheck = errors.New("membership check failed")
)

// Membership is the conversation store as seen by the coordinator.
type Membership interface {
	IsMember(ctx context.Context, conversationID string, userID string) (bool, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// Transport subscribes connections to rooms and delivers events to every subscribed connection
// in every server process.
type Transport interface {
	Subscribe(connID, room string)
	Unsubscribe(connID, room string)
	Broadcast(ctx context.Context, room string, evt events.Outbound, excludeUserID string) error
}

// Coordinator owns conversation room membership for connections and fans events out to rooms.
type Coordinator struct {
	members   Membership
	transport Transport
	log       *zap.Logger
	now       func() time.Time
}

func NewCoordinator(members Membership, transport Transport, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		members:   members,
		transport: transport,
		log:       log.With(zap.String("component", "rooms")),
		now:       time.Now,
	}
}

// VerifyMember returns nil when the user currently belongs to the conversation.
func (c *Coordinator) VerifyMember(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return ErrNotAMember
	}
	ok, err := c.members.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMembershipCheck, err)
	}
	if !ok {
		return ErrNotAMember
	}
	return nil
}

// JoinConversation subscribes the connection to the conversation room. Joining a conversation
// the connection already joined is a no-op.
func (c *Coordinator) JoinConversation(ctx context.Context, session *presence.Session, conversationID string) error {
	if err := c.VerifyMember(ctx, session.UserID, conversationID); err != nil {
		return err
	}
	if !session.Join(conversationID) {
		return nil
	}
	c.transport.Subscribe(session.ConnID, events.ConversationRoom(conversationID))

	c.BroadcastToConversation(ctx, conversationID, events.ConversationViewerEvent{
		ConversationID: conversationID,
		User:           session.Identity,
		Joined:         true,
	}, session.UserID)
	return nil
}

// LeaveConversation unsubscribes the connection. Leaving a conversation never joined is a no-op.
func (c *Coordinator) LeaveConversation(ctx context.Context, session *presence.Session, conversationID string) {
	if !session.Leave(conversationID) {
		return
	}
	c.transport.Unsubscribe(session.ConnID, events.ConversationRoom(conversationID))

	c.BroadcastToConversation(ctx, conversationID, events.ConversationViewerEvent{
		ConversationID: conversationID,
		User:           session.Identity,
	}, session.UserID)
}

// BroadcastToConversation delivers evt to every connection subscribed to the conversation,
// except connections of excludeUserID when set. Delivery is at-most-once; failures are logged.
func (c *Coordinator) BroadcastToConversation(ctx context.Context, conversationID string, evt events.Outbound, excludeUserID string) {
	room := events.ConversationRoom(conversationID)
	if err := c.transport.Broadcast(ctx, room, evt, excludeUserID); err != nil {
		c.log.Warn("broadcast failed",
			zap.String("room", room),
			zap.String("event", string(evt.EventType())),
			zap.Error(err),
		)
	}
}

// NotifyUser delivers evt to every connection of the user, on any process.
func (c *Coordinator) NotifyUser(ctx context.Context, userID string, evt events.Outbound) {
	room := events.UserRoom(userID)
	if err := c.transport.Broadcast(ctx, room, evt, ""); err != nil {
		c.log.Warn("user notify failed",
			zap.String("user_id", userID),
			zap.String("event", string(evt.EventType())),
			zap.Error(err),
		)
	}
}

// NotifyPresenceChange tells every conversation the user belongs to that the user came online
// or went offline.
func (c *Coordinator) NotifyPresenceChange(ctx context.Context, userID string, online bool) {
	conversationIDs, err := c.members.ListConversationIDs(ctx, userID)
	if err != nil {
		c.log.Warn("presence fan-out skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	at := c.now().UTC()
	for _, conversationID := range conversationIDs {
		c.BroadcastToConversation(ctx, conversationID, events.PresenceEvent{
			UserID:         userID,
			ConversationID: conversationID,
			Online:         online,
			At:             at,
		}, "")
	}
}
