package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/models"
)

// Store is the part of the shared state holding typing entries.
type Store interface {
	SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error
	ClearTyping(ctx context.Context, conversationID, userID string) (bool, error)
	ListTyping(ctx context.Context, conversationID string) ([]string, error)
	IsTyping(ctx context.Context, conversationID, userID string) (bool, error)
}

// Rooms checks membership and broadcasts to conversations.
type Rooms interface {
	VerifyMember(ctx context.Context, userID, conversationID string) error
	BroadcastToConversation(ctx context.Context, conversationID string, evt events.Outbound, excludeUserID string)
}

type timerKey struct {
	conversationID string
	userID         string
}

type timerEntry struct {
	timer *time.Timer
}

// Coordinator drives typing indicators. The store entry TTL decides when a user stops typing;
// local timers only announce the stop without waiting for the client.
type Coordinator struct {
	store Store
	rooms Rooms
	ttl   time.Duration
	log   *zap.Logger

	mu     sync.Mutex
	timers map[timerKey]*timerEntry
	closed bool
}

func NewCoordinator(store Store, rooms Rooms, ttl time.Duration, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:  store,
		rooms:  rooms,
		ttl:    ttl,
		log:    log.With(zap.String("component", "typing")),
		timers: make(map[timerKey]*timerEntry),
	}
}

// TTL is the single system-wide typing expiry.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Start marks the user as typing and tells the other members. Calling it again while typing
// refreshes the expiry.
func (c *Coordinator) Start(ctx context.Context, conversationID string, user models.Identity) error {
	if err := c.rooms.VerifyMember(ctx, user.UserID, conversationID); err != nil {
		return err
	}

	if err := c.store.SetTyping(ctx, conversationID, user.UserID, c.ttl); err != nil {
		c.log.Warn("typing write failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", user.UserID),
			zap.Error(err),
		)
	}

	c.rooms.BroadcastToConversation(ctx, conversationID, events.TypingEvent{
		ConversationID: conversationID,
		UserID:         user.UserID,
		Name:           user.Name,
	}, user.UserID)

	c.arm(timerKey{conversationID, user.UserID})
	return nil
}

// Stop clears the indicator. Only a user who was typing produces a stop broadcast.
func (c *Coordinator) Stop(ctx context.Context, conversationID, userID string) error {
	if err := c.rooms.VerifyMember(ctx, userID, conversationID); err != nil {
		return err
	}
	c.stop(ctx, conversationID, userID)
	return nil
}

// Purge clears the indicator of a disconnecting user without re-checking membership.
func (c *Coordinator) Purge(ctx context.Context, conversationID, userID string) {
	c.stop(ctx, conversationID, userID)
}

// List returns who is typing in the conversation, empty when the store is unreachable.
func (c *Coordinator) List(ctx context.Context, conversationID string) []string {
	users, err := c.store.ListTyping(ctx, conversationID)
	if err != nil {
		c.log.Warn("typing read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return []string{}
	}
	if users == nil {
		return []string{}
	}
	return users
}

// Close cancels every pending timer. Later starts still write and broadcast but arm no timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, entry := range c.timers {
		entry.timer.Stop()
		delete(c.timers, key)
	}
}

func (c *Coordinator) stop(ctx context.Context, conversationID, userID string) {
	armed := c.disarm(timerKey{conversationID, userID})

	removed, err := c.store.ClearTyping(ctx, conversationID, userID)
	if err != nil {
		c.log.Warn("typing clear failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	if !armed && !removed {
		return
	}

	c.rooms.BroadcastToConversation(ctx, conversationID, events.StoppedTypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
	}, userID)
}

func (c *Coordinator) arm(key timerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.timers[key]; ok {
		prev.timer.Stop()
	}
	entry := &timerEntry{}
	entry.timer = time.AfterFunc(c.ttl, func() { c.expire(key, entry) })
	c.timers[key] = entry
}

func (c *Coordinator) disarm(key timerKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(c.timers, key)
	return true
}

func (c *Coordinator) expire(key timerKey, entry *timerEntry) {
	c.mu.Lock()
	if c.timers[key] != entry {
		// Re-armed or stopped after this timer fired.
		c.mu.Unlock()
		return
	}
	delete(c.timers, key)
	c.mu.Unlock()

	ctx := context.Background()

	// Another process may have refreshed the entry; its own timer will announce the stop.
	typing, err := c.store.IsTyping(ctx, key.conversationID, key.userID)
	if err != nil {
		c.log.Warn("typing read failed", zap.String("conversation_id", key.conversationID), zap.Error(err))
	}
	if typing {
		return
	}

	if _, err := c.store.ClearTyping(ctx, key.conversationID, key.userID); err != nil {
		c.log.Warn("typing clear failed", zap.String("conversation_id", key.conversationID), zap.Error(err))
	}
	c.rooms.BroadcastToConversation(ctx, key.conversationID, events.StoppedTypingEvent{
		ConversationID: key.conversationID,
		UserID:         key.userID,
	}, key.userID)
}
