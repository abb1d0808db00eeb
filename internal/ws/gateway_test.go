package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/auth"
	"realtime-service/internal/events"
	"realtime-service/internal/messaging"
	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/presence"
	"realtime-service/internal/rooms"
	"realtime-service/internal/state"
	"realtime-service/internal/typing"
)

const waitFor = 2 * time.Second

type wireFrame struct {
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	frames []wireFrame
	done   chan struct{}
	err    error
}

func (c *testConn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		var f wireFrame
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			c.frames = append(c.frames, f)
			c.mu.Unlock()
		}
	}
}

func (c *testConn) send(typ events.Type, requestID string, data any) {
	c.t.Helper()
	body, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(events.Inbound{Type: typ, RequestID: requestID, Data: body}))
}

func (c *testConn) ofType(typ events.Type) []wireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wireFrame
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitN blocks until n frames of typ arrived and returns the nth.
func (c *testConn) waitN(typ events.Type, n int) wireFrame {
	c.t.Helper()
	require.Eventually(c.t, func() bool { return len(c.ofType(typ)) >= n }, waitFor, 5*time.Millisecond, "waiting for %s #%d", typ, n)
	return c.ofType(typ)[n-1]
}

// reply waits for the ack or error answering requestID.
func (c *testConn) reply(requestID string) wireFrame {
	c.t.Helper()
	var found wireFrame
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, f := range c.frames {
			if f.Type != events.Ack && f.Type != events.Error {
				continue
			}
			var body struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal(f.Data, &body) == nil && body.RequestID == requestID {
				found = f
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "waiting for reply to %s", requestID)
	return found
}

func (c *testConn) join(conversationID string) {
	c.t.Helper()
	id := "join-" + conversationID
	c.send(events.JoinConversation, id, events.ConversationRequest{ConversationID: conversationID})
	require.Equal(c.t, events.Ack, c.reply(id).Type)
}

func (c *testConn) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
	<-c.done
}

type cluster struct {
	t        *testing.T
	redis    *miniredis.Miniredis
	authSvc  *auth.Service
	users    *mocks.UserRepositoryMock
	convs    *mocks.ConversationRepositoryMock
	messages *mocks.MessageRepositoryMock
	servers  []*httptest.Server
}

// newCluster starts nodes gateway processes sharing one store and one broadcast bus.
func newCluster(t *testing.T, nodes int, typingTTL time.Duration) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := state.NewRedisStore(rdb, time.Minute)

	c := &cluster{
		t:        t,
		redis:    mr,
		users:    new(mocks.UserRepositoryMock),
		convs:    new(mocks.ConversationRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
	}
	c.authSvc = auth.NewService("test-secret", c.users)

	for _, u := range []string{"alice", "bob", "mallory"} {
		c.users.On("GetUser", mock.Anything, u).Return(models.User{ID: u, Name: strings.ToUpper(u[:1]) + u[1:], IsActive: true}, nil)
	}
	c.convs.On("IsMember", mock.Anything, "c1", "alice").Return(true, nil)
	c.convs.On("IsMember", mock.Anything, "c1", "bob").Return(true, nil)
	c.convs.On("IsMember", mock.Anything, "c1", "mallory").Return(false, nil)
	c.convs.On("ListConversationIDs", mock.Anything, "alice").Return([]string{"c1"}, nil)
	c.convs.On("ListConversationIDs", mock.Anything, "bob").Return([]string{"c1"}, nil)
	c.convs.On("ListConversationIDs", mock.Anything, "mallory").Return([]string{}, nil)

	bus := NewLocalBus()
	for i := 0; i < nodes; i++ {
		hub := NewHub(bus.Backbone(), nil)
		require.NoError(t, hub.Start(context.Background()))
		roomsCoord := rooms.NewCoordinator(c.convs, hub, nil)
		typingCoord := typing.NewCoordinator(store, roomsCoord, typingTTL, nil)
		registry := presence.NewRegistry(store, c.authSvc, hub, typingCoord, roomsCoord, nil)
		pipeline := messaging.NewPipeline(c.messages, c.convs, roomsCoord, typingCoord, nil, 4000, nil)
		gateway := NewGateway(hub, registry, roomsCoord, typingCoord, pipeline, nil, DefaultOptions(), nil)

		router := gin.New()
		router.GET("/ws", gateway.Handle)
		srv := httptest.NewServer(router)
		c.servers = append(c.servers, srv)
		t.Cleanup(func() {
			_ = hub.Close()
			srv.Close()
			typingCoord.Close()
		})
	}
	return c
}

func (c *cluster) dial(node int, token string) *testConn {
	c.t.Helper()
	url := "ws" + strings.TrimPrefix(c.servers[node].URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(c.t, err)
	tc := &testConn{t: c.t, conn: conn, done: make(chan struct{})}
	go tc.readLoop()
	return tc
}

func (c *cluster) connect(node int, userID string) *testConn {
	c.t.Helper()
	token, err := c.authSvc.IssueToken(userID, time.Hour)
	require.NoError(c.t, err)
	tc := c.dial(node, token)
	tc.waitN(events.Connected, 1)
	return tc
}

func presenceOf(t *testing.T, f wireFrame) events.PresenceEvent {
	t.Helper()
	var evt events.PresenceEvent
	require.NoError(t, json.Unmarshal(f.Data, &evt))
	return evt
}

func TestGatewayRejectsBadCredential(t *testing.T) {
	c := newCluster(t, 1, time.Second)

	conn := c.dial(0, "not-a-token")
	<-conn.done

	frames := conn.ofType(events.AuthError)
	require.Len(t, frames, 1)
	assert.Empty(t, conn.ofType(events.Connected))
	assert.True(t, websocket.IsCloseError(conn.err, websocket.ClosePolicyViolation))
	assert.Empty(t, c.redis.Keys())
}

func TestGatewayMultiDevicePresence(t *testing.T) {
	c := newCluster(t, 2, time.Second)

	bob := c.connect(1, "bob")
	defer bob.close()
	bob.join("c1")

	phone := c.connect(0, "alice")
	online := presenceOf(t, bob.waitN(events.PresenceChanged, 1))
	assert.Equal(t, "alice", online.UserID)
	assert.True(t, online.Online)

	laptop := c.connect(1, "alice")

	phone.close()
	require.Eventually(t, func() bool {
		members, err := c.redis.Members("rt:presence:user:alice")
		return err == nil && len(members) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, bob.ofType(events.PresenceChanged), 1)

	laptop.close()
	offline := presenceOf(t, bob.waitN(events.PresenceChanged, 2))
	assert.Equal(t, "alice", offline.UserID)
	assert.False(t, offline.Online)
	assert.False(t, c.redis.Exists("rt:presence:user:alice"))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bob.ofType(events.PresenceChanged), 2)
}

func TestGatewayTypingStopsAfterTTL(t *testing.T) {
	c := newCluster(t, 2, 150*time.Millisecond)

	alice := c.connect(0, "alice")
	defer alice.close()
	aliceLaptop := c.connect(1, "alice")
	defer aliceLaptop.close()
	bob := c.connect(1, "bob")
	defer bob.close()
	alice.join("c1")
	aliceLaptop.join("c1")
	bob.join("c1")

	alice.send(events.TypingStart, "t1", events.ConversationRequest{ConversationID: "c1"})
	require.Equal(t, events.Ack, alice.reply("t1").Type)

	typingFrame := bob.waitN(events.UserTyping, 1)
	var evt events.TypingEvent
	require.NoError(t, json.Unmarshal(typingFrame.Data, &evt))
	assert.Equal(t, events.TypingEvent{ConversationID: "c1", UserID: "alice", Name: "Alice"}, evt)

	bob.waitN(events.UserStoppedTyping, 1)
	for _, own := range []*testConn{alice, aliceLaptop} {
		assert.Empty(t, own.ofType(events.UserTyping))
		assert.Empty(t, own.ofType(events.UserStoppedTyping))
	}
}

func TestGatewayLeaveWithoutJoinKeepsOtherDeviceTyping(t *testing.T) {
	c := newCluster(t, 2, 5*time.Second)

	phone := c.connect(0, "alice")
	defer phone.close()
	laptop := c.connect(1, "alice")
	defer laptop.close()
	bob := c.connect(1, "bob")
	defer bob.close()
	phone.join("c1")
	bob.join("c1")

	phone.send(events.TypingStart, "t1", events.ConversationRequest{ConversationID: "c1"})
	require.Equal(t, events.Ack, phone.reply("t1").Type)
	bob.waitN(events.UserTyping, 1)

	laptop.send(events.LeaveConversation, "l1", events.ConversationRequest{ConversationID: "c1"})
	require.Equal(t, events.Ack, laptop.reply("l1").Type)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.ofType(events.UserStoppedTyping))
	assert.Empty(t, bob.ofType(events.UserLeftConversation))
	typing, err := c.redis.ZMembers("rt:typing:conv:c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, typing)
}

func TestGatewayMessageFanOut(t *testing.T) {
	c := newCluster(t, 2, time.Second)
	created := models.Message{ID: 42, ConversationID: "c1", SenderID: "alice", Content: "hello", Type: "text", CreatedAt: time.Now().UTC()}
	c.messages.On("CreateMessage", mock.Anything, "c1", "alice", "hello", "text", []string(nil)).Return(created, nil).Once()

	phone := c.connect(0, "alice")
	defer phone.close()
	laptop := c.connect(1, "alice")
	defer laptop.close()
	bob := c.connect(1, "bob")
	defer bob.close()
	for _, conn := range []*testConn{phone, laptop, bob} {
		conn.join("c1")
	}

	phone.send(events.SendMessage, "m1", events.SendMessageRequest{ConversationID: "c1", Content: "hello"})
	ack := phone.reply("m1")
	require.Equal(t, events.Ack, ack.Type)
	var body struct {
		Result models.Message `json:"result"`
	}
	require.NoError(t, json.Unmarshal(ack.Data, &body))
	assert.Equal(t, int64(42), body.Result.ID)

	for _, conn := range []*testConn{phone, laptop, bob} {
		f := conn.waitN(events.MessageCreated, 1)
		var evt events.MessageCreatedEvent
		require.NoError(t, json.Unmarshal(f.Data, &evt))
		assert.Equal(t, int64(42), evt.Message.ID)
		assert.Equal(t, "Alice", evt.Sender.Name)
	}
	c.messages.AssertExpectations(t)
}

func TestGatewayRejectsNonMember(t *testing.T) {
	c := newCluster(t, 1, time.Second)

	bob := c.connect(0, "bob")
	defer bob.close()
	bob.join("c1")
	mallory := c.connect(0, "mallory")
	defer mallory.close()

	mallory.send(events.JoinConversation, "j", events.ConversationRequest{ConversationID: "c1"})
	var errEvt events.ErrorEvent
	reply := mallory.reply("j")
	require.Equal(t, events.Error, reply.Type)
	require.NoError(t, json.Unmarshal(reply.Data, &errEvt))
	assert.Equal(t, "not_a_member", errEvt.Code)

	mallory.send(events.SendMessage, "s", events.SendMessageRequest{ConversationID: "c1", Content: "hi"})
	reply = mallory.reply("s")
	require.NoError(t, json.Unmarshal(reply.Data, &errEvt))
	assert.Equal(t, "not_a_member", errEvt.Code)

	mallory.send(events.TypingStart, "t", events.ConversationRequest{ConversationID: "c1"})
	reply = mallory.reply("t")
	require.NoError(t, json.Unmarshal(reply.Data, &errEvt))
	assert.Equal(t, "not_a_member", errEvt.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.ofType(events.MessageCreated))
	assert.Empty(t, bob.ofType(events.UserTyping))
	c.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGatewayMalformedAndUnknownFrames(t *testing.T) {
	c := newCluster(t, 1, time.Second)
	alice := c.connect(0, "alice")
	defer alice.close()

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	first := alice.waitN(events.Error, 1)
	var errEvt events.ErrorEvent
	require.NoError(t, json.Unmarshal(first.Data, &errEvt))
	assert.Equal(t, "invalid_payload", errEvt.Code)

	alice.send("bogus", "b", nil)
	reply := alice.reply("b")
	require.NoError(t, json.Unmarshal(reply.Data, &errEvt))
	assert.Equal(t, "unknown_event", errEvt.Code)

	alice.send(events.Ping, "p", nil)
	pong := alice.waitN(events.Pong, 1)
	var pongEvt events.PongEvent
	require.NoError(t, json.Unmarshal(pong.Data, &pongEvt))
	assert.Equal(t, "p", pongEvt.RequestID)
}
