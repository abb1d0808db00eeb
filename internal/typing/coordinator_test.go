package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/events"
	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/state"
)

var errNotMember = errors.New("not a member")

type sent struct {
	conversationID string
	evt            events.Outbound
	exclude        string
}

type fakeRooms struct {
	mu      sync.Mutex
	members map[string]bool
	sent    []sent
}

func newFakeRooms(members ...string) *fakeRooms {
	r := &fakeRooms{members: make(map[string]bool)}
	for _, m := range members {
		r.members[m] = true
	}
	return r
}

func (r *fakeRooms) VerifyMember(_ context.Context, userID, conversationID string) error {
	if !r.members[conversationID+"/"+userID] {
		return errNotMember
	}
	return nil
}

func (r *fakeRooms) BroadcastToConversation(_ context.Context, conversationID string, evt events.Outbound, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{conversationID, evt, exclude})
}

func (r *fakeRooms) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.evt.EventType() == t {
			n++
		}
	}
	return n
}

func newStore(t *testing.T) *state.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.NewRedisStore(rdb, time.Minute)
}

var alice = models.Identity{UserID: "alice", Name: "Alice"}

func TestStartBroadcastsToOthers(t *testing.T) {
	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(newStore(t), rooms, time.Second, nil)
	defer coord.Close()

	require.NoError(t, coord.Start(context.Background(), "c1", alice))

	require.Len(t, rooms.sent, 1)
	assert.Equal(t, "alice", rooms.sent[0].exclude)
	assert.Equal(t, events.TypingEvent{ConversationID: "c1", UserID: "alice", Name: "Alice"}, rooms.sent[0].evt)
	assert.Equal(t, []string{"alice"}, coord.List(context.Background(), "c1"))
}

func TestStartRequiresMembership(t *testing.T) {
	rooms := newFakeRooms()
	coord := NewCoordinator(newStore(t), rooms, time.Second, nil)
	defer coord.Close()

	err := coord.Start(context.Background(), "c1", alice)
	assert.ErrorIs(t, err, errNotMember)
	assert.Empty(t, rooms.sent)
	assert.Empty(t, coord.List(context.Background(), "c1"))
}

func TestTypingStopsAfterTTL(t *testing.T) {
	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(newStore(t), rooms, 50*time.Millisecond, nil)
	defer coord.Close()

	require.NoError(t, coord.Start(context.Background(), "c1", alice))

	assert.Eventually(t, func() bool {
		return rooms.count(events.UserStoppedTyping) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, coord.List(context.Background(), "c1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rooms.count(events.UserStoppedTyping))
}

func TestStopIsIdempotent(t *testing.T) {
	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(newStore(t), rooms, time.Second, nil)
	defer coord.Close()
	ctx := context.Background()

	require.NoError(t, coord.Stop(ctx, "c1", "alice"))
	assert.Empty(t, rooms.sent)

	require.NoError(t, coord.Start(ctx, "c1", alice))
	require.NoError(t, coord.Stop(ctx, "c1", "alice"))
	require.NoError(t, coord.Stop(ctx, "c1", "alice"))

	assert.Equal(t, 1, rooms.count(events.UserStoppedTyping))
	assert.Empty(t, coord.List(ctx, "c1"))
}

func TestPurgeSkipsMembershipCheck(t *testing.T) {
	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(newStore(t), rooms, time.Second, nil)
	defer coord.Close()
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx, "c1", alice))
	delete(rooms.members, "c1/alice")

	coord.Purge(ctx, "c1", "alice")
	assert.Equal(t, 1, rooms.count(events.UserStoppedTyping))
}

func TestRefreshFromAnotherProcessSuppressesStop(t *testing.T) {
	store := newStore(t)
	roomsA := newFakeRooms("c1/alice")
	roomsB := newFakeRooms("c1/alice")
	a := NewCoordinator(store, roomsA, 200*time.Millisecond, nil)
	b := NewCoordinator(store, roomsB, 200*time.Millisecond, nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Start(context.Background(), "c1", alice))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, b.Start(context.Background(), "c1", alice))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, roomsA.count(events.UserStoppedTyping))
	assert.Equal(t, []string{"alice"}, a.List(context.Background(), "c1"))

	assert.Eventually(t, func() bool {
		return roomsB.count(events.UserStoppedTyping) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, roomsA.count(events.UserStoppedTyping))
}

func TestCloseCancelsTimers(t *testing.T) {
	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(newStore(t), rooms, 30*time.Millisecond, nil)

	require.NoError(t, coord.Start(context.Background(), "c1", alice))
	coord.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rooms.count(events.UserStoppedTyping))
}

func TestStoreFailureDegrades(t *testing.T) {
	store := new(mocks.StoreMock)
	store.On("SetTyping", mock.Anything, "c1", "alice", time.Second).Return(errors.New("down"))
	store.On("ListTyping", mock.Anything, "c1").Return(nil, errors.New("down"))
	store.On("ClearTyping", mock.Anything, "c1", "alice").Return(false, errors.New("down"))

	rooms := newFakeRooms("c1/alice")
	coord := NewCoordinator(store, rooms, time.Second, nil)
	defer coord.Close()
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx, "c1", alice))
	assert.Equal(t, 1, rooms.count(events.UserTyping))
	assert.Equal(t, []string{}, coord.List(ctx, "c1"))

	require.NoError(t, coord.Stop(ctx, "c1", "alice"))
	assert.Equal(t, 1, rooms.count(events.UserStoppedTyping))
	store.AssertExpectations(t)
}
