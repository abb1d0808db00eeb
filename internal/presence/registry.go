package presence

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/state"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity verifies credentials and resolves users.
type Identity interface {
	ValidateToken(ctx context.Context, token string) (string, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// Conn is the raw transport connection as seen before authentication.
type Conn interface {
	ID() string
	// Reject emits a rejection event and closes the connection.
	Reject(reason string)
}

// Subscriber manages this process's room subscriptions.
type Subscriber interface {
	Subscribe(connID, room string)
	UnsubscribeAll(connID string)
}

// TypingPurger drops a user's typing state in a conversation.
type TypingPurger interface {
	Purge(ctx context.Context, conversationID, userID string)
}

// Notifier broadcasts user-level online/offline transitions.
type Notifier interface {
	NotifyPresenceChange(ctx context.Context, userID string, online bool)
}

// Registry turns connect/disconnect into user-level online/offline transitions. Online status
// always comes from the shared presence set, never from a single connection.
type Registry struct {
	store      state.Store
	identity   Identity
	subscriber Subscriber
	typing     TypingPurger
	notifier   Notifier
	log        *zap.Logger
}

// NewRegistry wires the registry. typing and notifier may be nil.
func NewRegistry(store state.Store, identity Identity, subscriber Subscriber, typing TypingPurger, notifier Notifier, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:      store,
		identity:   identity,
		subscriber: subscriber,
		typing:     typing,
		notifier:   notifier,
		log:        log.With(zap.String("component", "presence")),
	}
}

// OnConnect authenticates the connection and registers its presence. On failure the connection
// is rejected and closed and no session is returned.
func (r *Registry) OnConnect(ctx context.Context, conn Conn, credential string) (*Session, error) {
	userID, err := r.identity.ValidateToken(ctx, credential)
	if err != nil {
		r.log.Warn("credential rejected", zap.String("conn_id", conn.ID()), zap.Error(err))
		conn.Reject("invalid token")
		return nil, ErrUnauthenticated
	}

	user, err := r.identity.GetUser(ctx, userID)
	if err != nil {
		r.log.Warn("user lookup failed", zap.String("conn_id", conn.ID()), zap.String("user_id", userID), zap.Error(err))
		conn.Reject("user unavailable")
		return nil, ErrUnauthenticated
	}

	session := NewSession(conn.ID(), user.Identity())

	cameOnline, err := r.store.AddConnection(ctx, session.UserID, session.ConnID)
	if err != nil {
		r.log.Warn("presence write failed", zap.String("user_id", session.UserID), zap.Error(err))
	}
	if err := r.store.BindConnectionIdentity(ctx, session.ConnID, session.Identity); err != nil {
		r.log.Warn("identity bind failed", zap.String("conn_id", session.ConnID), zap.Error(err))
	}
	r.subscriber.Subscribe(session.ConnID, events.UserRoom(session.UserID))

	if cameOnline && r.notifier != nil {
		r.notifier.NotifyPresenceChange(ctx, session.UserID, true)
	}
	return session, nil
}

// OnDisconnect deregisters the connection and reports whether the user went fully offline.
// Every step is best-effort; TTLs in the store are the backstop for anything missed here.
func (r *Registry) OnDisconnect(ctx context.Context, session *Session) bool {
	wentOffline, err := r.store.RemoveConnection(ctx, session.UserID, session.ConnID)
	if err != nil {
		r.log.Warn("presence removal failed", zap.String("user_id", session.UserID), zap.String("conn_id", session.ConnID), zap.Error(err))
	}

	if r.typing != nil {
		for _, conversationID := range session.Conversations() {
			r.typing.Purge(ctx, conversationID, session.UserID)
		}
	}

	if err := r.store.UnbindConnectionIdentity(ctx, session.ConnID); err != nil {
		r.log.Warn("identity unbind failed", zap.String("conn_id", session.ConnID), zap.Error(err))
	}
	r.subscriber.UnsubscribeAll(session.ConnID)

	if wentOffline && r.notifier != nil {
		r.notifier.NotifyPresenceChange(ctx, session.UserID, false)
	}
	return wentOffline
}

// Heartbeat keeps a live connection's presence entry from expiring.
func (r *Registry) Heartbeat(ctx context.Context, session *Session) {
	if err := r.store.RefreshConnection(ctx, session.UserID, session.ConnID); err != nil {
		r.log.Warn("presence refresh failed", zap.String("user_id", session.UserID), zap.Error(err))
	}
}

// IsOnline reports presence. A store failure reads as offline.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	online, err := r.store.IsOnline(ctx, userID)
	if err != nil {
		r.log.Warn("presence read failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return online
}

// OnlineUsers returns a snapshot of online users, empty when the store is unreachable.
func (r *Registry) OnlineUsers(ctx context.Context) []string {
	users, err := r.store.ListOnlineUsers(ctx)
	if err != nil {
		r.log.Warn("online list failed", zap.Error(err))
		return []string{}
	}
	return users
}

// ConnectionIdentity resolves any process's connection id to its identity snapshot.
func (r *Registry) ConnectionIdentity(ctx context.Context, connID string) (models.Identity, bool) {
	identity, found, err := r.store.LookupConnectionIdentity(ctx, connID)
	if err != nil {
		r.log.Warn("identity lookup failed", zap.String("conn_id", connID), zap.Error(err))
		return models.Identity{}, false
	}
	return identity, found
}
