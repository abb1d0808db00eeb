package state

import (
	"context"
	"time"

	"realtime-service/internal/models"
)

// Store is the shared ephemeral state every server process reads and writes: presence sets,
// connection identities and typing sets. Every method is a network call and may fail; callers
// degrade instead of failing the client-facing action.
type Store interface {
	// AddConnection adds connID to the user's presence set and refreshes its TTL. It reports
	// whether the set was empty before, i.e. the user just came online. Idempotent.
	AddConnection(ctx context.Context, userID, connID string) (bool, error)
	// RefreshConnection keeps a live connection's presence and identity from expiring.
	RefreshConnection(ctx context.Context, userID, connID string) error
	// RemoveConnection removes connID and reports whether the user went fully offline.
	RemoveConnection(ctx context.Context, userID, connID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	ListOnlineUsers(ctx context.Context) ([]string, error)

	// SetTyping marks userID as typing in the conversation for ttl and refreshes the entry TTL.
	SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error
	// ClearTyping removes the user and reports whether an unexpired entry was removed.
	ClearTyping(ctx context.Context, conversationID, userID string) (bool, error)
	ListTyping(ctx context.Context, conversationID string) ([]string, error)
	IsTyping(ctx context.Context, conversationID, userID string) (bool, error)

	BindConnectionIdentity(ctx context.Context, connID string, identity models.Identity) error
	LookupConnectionIdentity(ctx context.Context, connID string) (models.Identity, bool, error)
	UnbindConnectionIdentity(ctx context.Context, connID string) error

	Ping(ctx context.Context) error
}
