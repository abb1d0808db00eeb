package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return sqlx.NewDb(conn, "postgres"), mock
}

var messageRowColumns = []string{"id", "conversation_id", "sender_id", "content", "type", "attachments", "created_at", "edited_at", "deleted_at"}

func TestCreateMessageWithoutAttachmentsBindsEmptyArray(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs("c1", "alice", "hello", "text", "{}").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(int64(7), "c1", "alice", "hello", "text", []byte("{}"), now, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversation_participants")).
		WithArgs("c1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs("c1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := repo.CreateMessage(context.Background(), "c1", "alice", "hello", "text", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ID)
	assert.Equal(t, "hello", msg.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageRollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.CreateMessage(context.Background(), "c1", "alice", "hello", "text", nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
