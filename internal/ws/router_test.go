package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/events"
	"realtime-service/internal/messaging"
	"realtime-service/internal/models"
	"realtime-service/internal/presence"
	"realtime-service/internal/repositories"
	"realtime-service/internal/rooms"
)

func TestDispatchUnknownEvent(t *testing.T) {
	r := NewRouter()
	session := presence.NewSession("c1", models.Identity{UserID: "u1"})

	reply, err := r.Dispatch(context.Background(), session, events.Inbound{Type: "bogus", RequestID: "r1"})
	assert.ErrorIs(t, err, errUnknownEvent)
	evt, ok := reply.(events.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "unknown_event", evt.Code)
	assert.Equal(t, "r1", evt.RequestID)
}

func TestDispatchWrapsResultInAck(t *testing.T) {
	r := NewRouter()
	r.Handle(events.JoinConversation, func(_ context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ConversationRequest](data)
		if err != nil {
			return nil, err
		}
		return JoinResult{ConversationID: req.ConversationID}, nil
	})
	session := presence.NewSession("c1", models.Identity{UserID: "u1"})

	reply, err := r.Dispatch(context.Background(), session, events.Inbound{
		Type:      events.JoinConversation,
		RequestID: "r2",
		Data:      json.RawMessage(`{"conversation_id":"conv"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, events.AckEvent{RequestID: "r2", Event: events.JoinConversation, Result: JoinResult{ConversationID: "conv"}}, reply)

	reply, err = r.Dispatch(context.Background(), session, events.Inbound{
		Type: events.JoinConversation,
		Data: json.RawMessage(`{"conversation_id":1}`),
	})
	assert.ErrorIs(t, err, messaging.ErrInvalidPayload)
	assert.Equal(t, "invalid_payload", reply.(events.ErrorEvent).Code)
}

func TestDispatchReplySentAsIs(t *testing.T) {
	r := NewRouter()
	r.Handle(events.Ping, func(context.Context, *presence.Session, json.RawMessage) (any, error) {
		return Reply{Event: events.PongEvent{RequestID: "p"}}, nil
	})

	reply, err := r.Dispatch(context.Background(), presence.NewSession("c1", models.Identity{}), events.Inbound{Type: events.Ping})
	require.NoError(t, err)
	assert.Equal(t, events.PongEvent{RequestID: "p"}, reply)
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"unauthenticated":    presence.ErrUnauthenticated,
		"not_a_member":       fmt.Errorf("join: %w", rooms.ErrNotAMember),
		"forbidden":          messaging.ErrForbidden,
		"not_found":          repositories.ErrMessageNotFound,
		"persistence_failed": fmt.Errorf("%w: db", messaging.ErrPersistence),
		"invalid_payload":    errMalformed,
		"unknown_event":      errUnknownEvent,
		"internal_error":     errors.New("boom"),
	}
	for code, err := range cases {
		assert.Equal(t, code, errorCode(err), code)
	}
	assert.Equal(t, "persistence_failed", errorCode(fmt.Errorf("%w: timeout", rooms.ErrMembershipCheck)))
}

func TestErrorReplyHidesInternalDetail(t *testing.T) {
	reply := errorReply(events.Inbound{Type: events.SendMessage}, fmt.Errorf("%w: pq: connection refused", messaging.ErrPersistence))
	assert.Equal(t, "persistence_failed", reply.Code)
	assert.NotContains(t, reply.Message, "pq")
}
