package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/messaging"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/rooms"
	"realtime-service/internal/typing"
)

var tracer = otel.Tracer("realtime-service/ws")

// Options tunes per-connection behaviour.
type Options struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		WriteWait:  defaultWriteWait,
		PongWait:   defaultPongWait,
		SendBuffer: defaultSendBuffer,
	}
}

// JoinResult acknowledges join_conversation with who is typing right now.
type JoinResult struct {
	ConversationID string   `json:"conversation_id"`
	Typing         []string `json:"typing"`
}

type RemoveReactionResult struct {
	Removed bool `json:"removed"`
}

// Gateway terminates websocket connections and routes their events to the coordinators.
type Gateway struct {
	hub      *Hub
	registry *presence.Registry
	rooms    *rooms.Coordinator
	typing   *typing.Coordinator
	pipeline *messaging.Pipeline
	audit    messaging.Auditor
	router   *Router
	upgrader websocket.Upgrader
	opts     Options
	log      *zap.Logger
}

func NewGateway(hub *Hub, registry *presence.Registry, roomsCoord *rooms.Coordinator, typingCoord *typing.Coordinator, pipeline *messaging.Pipeline, audit messaging.Auditor, opts Options, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		hub:      hub,
		registry: registry,
		rooms:    roomsCoord,
		typing:   typingCoord,
		pipeline: pipeline,
		audit:    audit,
		router:   NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts: opts,
		log:  log.With(zap.String("component", "gateway")),
	}
	g.registerHandlers()
	return g
}

// Handle upgrades GET /ws. Authentication happens after the upgrade so a rejection can be
// delivered as an auth_error event.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake")
	credential := credentialFromRequest(c.Request)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, g.opts)

	session, err := g.registry.OnConnect(ctx, client, credential)
	if err != nil {
		span.SetStatus(codes.Error, "unauthenticated")
	}
	span.End()
	if err != nil {
		publishLifecycle(ctx, info, "ws_auth_rejected", err.Error())
		if g.audit != nil {
			g.audit.Emit(ctx, "WARN", "websocket authentication rejected from "+info.IP, info.RequestID, nil)
		}
		return
	}
	session.DeviceID = info.DeviceID

	// The request context ends with the handler; the connection outlives it.
	connCtx := context.WithoutCancel(ctx)

	client.setUserID(session.UserID)
	g.hub.Register(client)
	observability.IncWSActive()
	publishLifecycle(connCtx, client.Info(), "ws_connect", "")
	g.log.Debug("connected", zap.String("conn_id", client.ID()), zap.String("user_id", session.UserID))

	g.hub.Send(client.ID(), events.ConnectedEvent{ConnectionID: client.ID(), User: session.Identity})

	go client.writePump()
	readErr := client.readPump(
		func(data []byte) { g.handleFrame(connCtx, client, session, data) },
		func() { g.registry.Heartbeat(connCtx, session) },
	)
	g.disconnect(connCtx, client, session, readErr)
}

func (g *Gateway) handleFrame(ctx context.Context, client *Client, session *presence.Session, data []byte) {
	var in events.Inbound
	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		observability.IncWSEvent("malformed", "invalid_payload")
		g.hub.Send(client.ID(), errorReply(in, errMalformed))
		return
	}

	ctx, span := tracer.Start(ctx, "ws.event "+string(in.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ws.conn_id", client.ID()),
			attribute.String("ws.request_id", in.RequestID),
		),
	)
	defer span.End()
	ctx = observability.WithRequestID(ctx, in.RequestID)

	reply, err := g.router.Dispatch(ctx, session, in)
	outcome := "ok"
	if err != nil {
		outcome = errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if outcome == "internal_error" || outcome == "persistence_failed" {
			g.log.Error("event failed", zap.String("event", string(in.Type)), zap.String("conn_id", client.ID()), zap.Error(err))
		}
	}
	observability.IncWSEvent(string(in.Type), outcome)
	g.hub.Send(client.ID(), reply)
}

func (g *Gateway) disconnect(ctx context.Context, client *Client, session *presence.Session, readErr error) {
	selfClosed := client.closed()
	client.Close()
	g.hub.Unregister(client.ID())

	joined := session.Conversations()
	wentOffline := g.registry.OnDisconnect(ctx, session)
	for _, conversationID := range joined {
		g.rooms.LeaveConversation(ctx, session, conversationID)
	}

	observability.DecWSActive()
	reason := ""
	if readErr != nil {
		reason = readErr.Error()
		if !selfClosed && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			publishLifecycle(ctx, client.Info(), "ws_error", reason)
		}
	}
	publishLifecycle(ctx, client.Info(), "ws_disconnect", reason)
	g.log.Debug("disconnected",
		zap.String("conn_id", client.ID()),
		zap.String("user_id", session.UserID),
		zap.Bool("went_offline", wentOffline),
	)
}

func (g *Gateway) registerHandlers() {
	g.router.Handle(events.JoinConversation, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ConversationRequest](data)
		if err != nil {
			return nil, err
		}
		if err := g.rooms.JoinConversation(ctx, s, req.ConversationID); err != nil {
			return nil, err
		}
		return JoinResult{ConversationID: req.ConversationID, Typing: g.typing.List(ctx, req.ConversationID)}, nil
	})

	g.router.Handle(events.LeaveConversation, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ConversationRequest](data)
		if err != nil {
			return nil, err
		}
		// Leaving a room this connection never joined changes nothing.
		if !s.Joined(req.ConversationID) {
			return nil, nil
		}
		g.typing.Purge(ctx, req.ConversationID, s.UserID)
		g.rooms.LeaveConversation(ctx, s, req.ConversationID)
		return nil, nil
	})

	g.router.Handle(events.SendMessage, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.SendMessageRequest](data)
		if err != nil {
			return nil, err
		}
		return g.pipeline.SendMessage(ctx, s, req)
	})

	g.router.Handle(events.EditMessage, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.EditMessageRequest](data)
		if err != nil {
			return nil, err
		}
		return g.pipeline.EditMessage(ctx, s, req)
	})

	g.router.Handle(events.DeleteMessage, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.MessageRequest](data)
		if err != nil {
			return nil, err
		}
		return g.pipeline.DeleteMessage(ctx, s, req)
	})

	g.router.Handle(events.TypingStart, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ConversationRequest](data)
		if err != nil {
			return nil, err
		}
		return nil, g.typing.Start(ctx, req.ConversationID, s.Identity)
	})

	g.router.Handle(events.TypingStop, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ConversationRequest](data)
		if err != nil {
			return nil, err
		}
		return nil, g.typing.Stop(ctx, req.ConversationID, s.UserID)
	})

	g.router.Handle(events.MarkAsRead, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.MessageRequest](data)
		if err != nil {
			return nil, err
		}
		return g.pipeline.MarkAsRead(ctx, s, req)
	})

	g.router.Handle(events.ReactToMessage, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ReactionRequest](data)
		if err != nil {
			return nil, err
		}
		return g.pipeline.ReactToMessage(ctx, s, req)
	})

	g.router.Handle(events.RemoveReaction, func(ctx context.Context, s *presence.Session, data json.RawMessage) (any, error) {
		req, err := decode[events.ReactionRequest](data)
		if err != nil {
			return nil, err
		}
		removed, err := g.pipeline.RemoveReaction(ctx, s, req)
		if err != nil {
			return nil, err
		}
		return RemoveReactionResult{Removed: removed}, nil
	})

	g.router.Handle(events.Ping, func(ctx context.Context, s *presence.Session, _ json.RawMessage) (any, error) {
		g.registry.Heartbeat(ctx, s)
		return Reply{Event: events.PongEvent{RequestID: observability.RequestIDFromContext(ctx), At: time.Now().UTC()}}, nil
	})
}
