package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

func TestEncodeWrapsTypeAndData(t *testing.T) {
	payload, err := Encode(TypingEvent{ConversationID: "c1", UserID: "a"})
	require.NoError(t, err)

	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, "user_typing", frame.Type)
	assert.Equal(t, "c1", frame.Data["conversation_id"])
	assert.Equal(t, "a", frame.Data["user_id"])
}

func TestConversationViewerEventType(t *testing.T) {
	joined := ConversationViewerEvent{ConversationID: "c1", User: models.Identity{UserID: "a"}, Joined: true}
	left := ConversationViewerEvent{ConversationID: "c1", User: models.Identity{UserID: "a"}}

	assert.Equal(t, UserJoinedConversation, joined.EventType())
	assert.Equal(t, UserLeftConversation, left.EventType())
}

func TestMessageCreatedCarriesServerFields(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := Encode(MessageCreatedEvent{Message: models.Message{ID: 42, ConversationID: "c1", CreatedAt: created}})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"id":42`)
	assert.Contains(t, string(payload), `"created_at":"2024-05-01T12:00:00Z"`)
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "conversation:c1", ConversationRoom("c1"))
	assert.Equal(t, "user:u1", UserRoom("u1"))

	id, ok := ConversationFromRoom("conversation:c9")
	assert.True(t, ok)
	assert.Equal(t, "c9", id)

	_, ok = ConversationFromRoom("user:u1")
	assert.False(t, ok)
}
