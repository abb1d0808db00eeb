package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ConversationRepository answers membership questions about conversations.
type ConversationRepository interface {
	IsMember(ctx context.Context, conversationID string, userID string) (bool, error)
	IsModerator(ctx context.Context, conversationID string, userID string) (bool, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// IsMember checks whether a user currently participates in the conversation.
func (r *ConversationRepo) IsMember(ctx context.Context, conversationID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(
        SELECT 1 FROM conversation_participants
        WHERE conversation_id=$1 AND user_id=$2 AND left_at IS NULL)`, conversationID, userID)
	return exists, err
}

// IsModerator reports whether the user may edit or delete other members' messages.
func (r *ConversationRepo) IsModerator(ctx context.Context, conversationID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(
        SELECT 1 FROM conversation_participants
        WHERE conversation_id=$1 AND user_id=$2 AND left_at IS NULL AND role IN ('owner', 'admin'))`, conversationID, userID)
	return exists, err
}

// ListConversationIDs returns every conversation the user participates in.
func (r *ConversationRepo) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_participants
        WHERE user_id=$1 AND left_at IS NULL ORDER BY conversation_id`, userID)
	return ids, err
}
