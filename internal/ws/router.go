package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"realtime-service/internal/events"
	"realtime-service/internal/messaging"
	"realtime-service/internal/presence"
	"realtime-service/internal/repositories"
	"realtime-service/internal/rooms"
)

var (
	errUnknownEvent = errors.New("unknown event type")
	errMalformed    = errors.New("malformed frame")
)

// HandlerFunc serves one inbound event. Its result is wrapped in an ack unless it is a Reply.
type HandlerFunc func(ctx context.Context, session *presence.Session, data json.RawMessage) (any, error)

// Reply marks a handler result that is sent as-is instead of being acknowledged.
type Reply struct {
	Event events.Outbound
}

// Router dispatches inbound frames by their type tag.
type Router struct {
	handlers map[events.Type]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[events.Type]HandlerFunc)}
}

func (r *Router) Handle(t events.Type, h HandlerFunc) {
	r.handlers[t] = h
}

// Dispatch runs the handler for in and returns the reply for the caller.
func (r *Router) Dispatch(ctx context.Context, session *presence.Session, in events.Inbound) (events.Outbound, error) {
	h, ok := r.handlers[in.Type]
	if !ok {
		err := fmt.Errorf("%w: %q", errUnknownEvent, in.Type)
		return errorReply(in, err), err
	}

	result, err := h(ctx, session, in.Data)
	if err != nil {
		return errorReply(in, err), err
	}
	if reply, ok := result.(Reply); ok {
		return reply.Event, nil
	}
	return events.AckEvent{RequestID: in.RequestID, Event: in.Type, Result: result}, nil
}

// decode unmarshals an event payload; a missing payload decodes to the zero value.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", messaging.ErrInvalidPayload, err)
	}
	return v, nil
}

func errorReply(in events.Inbound, err error) events.ErrorEvent {
	code := errorCode(err)
	msg := err.Error()
	if code == "persistence_failed" || code == "internal_error" {
		msg = "request could not be completed"
	}
	return events.ErrorEvent{RequestID: in.RequestID, Event: in.Type, Code: code, Message: msg}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, presence.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, rooms.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, messaging.ErrForbidden):
		return "forbidden"
	case errors.Is(err, repositories.ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, messaging.ErrPersistence), errors.Is(err, rooms.ErrMembershipCheck):
		return "persistence_failed"
	case errors.Is(err, messaging.ErrInvalidPayload), errors.Is(err, errMalformed):
		return "invalid_payload"
	case errors.Is(err, errUnknownEvent):
		return "unknown_event"
	default:
		return "internal_error"
	}
}
