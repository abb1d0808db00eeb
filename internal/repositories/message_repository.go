package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"realtime-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository persists messages and the interactions on them.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID, senderID, content, msgType string, attachments []string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	UpdateMessage(ctx context.Context, messageID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) (models.Message, error)
	AddReaction(ctx context.Context, messageID int64, userID, emoji string) (models.Reaction, error)
	RemoveReaction(ctx context.Context, messageID int64, userID, emoji string) (bool, error)
	RecordReadReceipt(ctx context.Context, conversationID, userID string, messageID int64) (models.ReadReceipt, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, type, attachments, created_at, edited_at, deleted_at`

type messageRow struct {
	ID             int64          `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Content        string         `db:"content"`
	Type           string         `db:"type"`
	Attachments    pq.StringArray `db:"attachments"`
	CreatedAt      time.Time      `db:"created_at"`
	EditedAt       *time.Time     `db:"edited_at"`
	DeletedAt      *time.Time     `db:"deleted_at"`
}

func (r messageRow) model() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Type:           r.Type,
		Attachments:    []string(r.Attachments),
		CreatedAt:      r.CreatedAt,
		EditedAt:       r.EditedAt,
		DeletedAt:      r.DeletedAt,
	}
}

// CreateMessage stores a message and bumps the unread counter of every other participant in
// the same transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID, senderID, content, msgType string, attachments []string) (msg models.Message, err error) {
	// pq encodes a nil slice as NULL; the column is NOT NULL.
	if attachments == nil {
		attachments = []string{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row messageRow
	if err = tx.GetContext(ctx, &row, `INSERT INTO messages (conversation_id, sender_id, content, type, attachments)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		conversationID, senderID, content, msgType, pq.StringArray(attachments)); err != nil {
		return models.Message{}, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = unread_count + 1
        WHERE conversation_id=$1 AND user_id<>$2 AND left_at IS NULL`, conversationID, senderID); err != nil {
		return models.Message{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_message_at=$2 WHERE id=$1`, conversationID, row.CreatedAt); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// GetMessage retrieves a single message, including soft-deleted ones.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// UpdateMessage replaces the content of a live message and stamps edited_at.
func (r *MessageRepo) UpdateMessage(ctx context.Context, messageID int64, content string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `UPDATE messages SET content=$2, edited_at=NOW()
        WHERE id=$1 AND deleted_at IS NULL RETURNING `+messageColumns, messageID, content)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// DeleteMessage soft-deletes a message, clearing its content.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `UPDATE messages SET deleted_at=NOW(), content='', attachments='{}'
        WHERE id=$1 AND deleted_at IS NULL RETURNING `+messageColumns, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// AddReaction records a reaction; repeating the same reaction is a no-op returning the original.
func (r *MessageRepo) AddReaction(ctx context.Context, messageID int64, userID, emoji string) (models.Reaction, error) {
	var reaction models.Reaction
	err := r.db.GetContext(ctx, &reaction, `WITH ins AS (
            INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
            ON CONFLICT (message_id, user_id, emoji) DO UPDATE SET emoji = EXCLUDED.emoji
            RETURNING message_id, user_id, emoji, created_at)
        SELECT ins.message_id, m.conversation_id, ins.user_id, ins.emoji, ins.created_at
        FROM ins JOIN messages m ON m.id = ins.message_id`, messageID, userID, emoji)
	return reaction, err
}

// RemoveReaction deletes a reaction and reports whether one existed.
func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID int64, userID, emoji string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordReadReceipt advances the member's read marker and recomputes their unread counter.
// The marker never moves backwards.
func (r *MessageRepo) RecordReadReceipt(ctx context.Context, conversationID, userID string, messageID int64) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := r.db.GetContext(ctx, &receipt, `UPDATE conversation_participants p SET
            last_read_message_id = GREATEST(COALESCE(p.last_read_message_id, 0), $3),
            last_read_at = NOW(),
            unread_count = (SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND m.deleted_at IS NULL
                AND m.id > GREATEST(COALESCE(p.last_read_message_id, 0), $3))
        WHERE p.conversation_id=$1 AND p.user_id=$2
        RETURNING p.conversation_id, p.user_id, p.last_read_message_id, p.last_read_at, p.unread_count`,
		conversationID, userID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReadReceipt{}, ErrMessageNotFound
	}
	return receipt, err
}
