package presence

import (
	"sort"
	"sync"
	"time"

	"realtime-service/internal/models"
)

// Session is one authenticated transport connection. The joined-conversation set lives exactly
// as long as the connection and is only visible to this process.
type Session struct {
	ConnID      string
	UserID      string
	Identity    models.Identity
	DeviceID    string
	ConnectedAt time.Time

	mu            sync.Mutex
	conversations map[string]struct{}
}

// NewSession builds a session for an authenticated connection.
func NewSession(connID string, identity models.Identity) *Session {
	return &Session{
		ConnID:        connID,
		UserID:        identity.UserID,
		Identity:      identity,
		ConnectedAt:   time.Now(),
		conversations: make(map[string]struct{}),
	}
}

// Join records the conversation as joined and reports whether it was newly joined.
func (s *Session) Join(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; ok {
		return false
	}
	s.conversations[conversationID] = struct{}{}
	return true
}

// Leave forgets the conversation and reports whether it had been joined.
func (s *Session) Leave(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return false
	}
	delete(s.conversations, conversationID)
	return true
}

// Joined reports whether the connection is subscribed to the conversation.
func (s *Session) Joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[conversationID]
	return ok
}

// Conversations returns a sorted snapshot of joined conversations.
func (s *Session) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
