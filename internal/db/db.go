package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"realtime-service/internal/logger"
)

// Connect opens the conversation database and applies migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrations lists the idempotent schema statements, in order.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            avatar TEXT,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            title TEXT,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            role TEXT NOT NULL DEFAULT 'member',
            unread_count INT NOT NULL DEFAULT 0,
            last_read_message_id BIGINT,
            last_read_at TIMESTAMPTZ,
            joined_at TIMESTAMPTZ DEFAULT NOW(),
            left_at TIMESTAMPTZ,
            PRIMARY KEY(conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL REFERENCES users(id),
            content TEXT NOT NULL DEFAULT '',
            type TEXT NOT NULL DEFAULT 'text',
            attachments TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            edited_at TIMESTAMPTZ,
            deleted_at TIMESTAMPTZ
        );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            emoji TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(message_id, user_id, emoji)
        );`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range Migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logger.Named("db").Info("database migrations applied", zap.Int("statements", len(Migrations)))
	return nil
}
