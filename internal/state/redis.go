package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-service/internal/models"
	"realtime-service/internal/observability"
)

// RedisConfig configures the shared store client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient creates a client and verifies the server is reachable.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.Addr, err)
	}
	return rdb, nil
}

// KEYS[1] = presence set, KEYS[2] = online index
// ARGV[1] = connID, ARGV[2] = ttl ms, ARGV[3] = userID
// Returns 1 when the set was empty before the add.
const luaAddConnection = `
local before = redis.call("SCARD", KEYS[1])
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
if before == 0 then
  return 1
end
return 0
`

// KEYS[1] = presence set, KEYS[2] = online index
// ARGV[1] = connID, ARGV[2] = userID
// Returns 1 exactly once per offline transition. A set that already expired reports 0: the
// transition happened at expiry and nothing announced it.
const luaRemoveConnection = `
local removed = redis.call("SREM", KEYS[1], ARGV[1])
local left = redis.call("SCARD", KEYS[1])
if left > 0 then
  return 0
end
redis.call("DEL", KEYS[1])
local indexed = redis.call("SREM", KEYS[2], ARGV[2])
if removed == 1 or indexed == 1 then
  return 1
end
return 0
`

// KEYS[1] = typing zset
// ARGV[1] = userID, ARGV[2] = now ms
// Returns 1 when an unexpired entry was removed.
const luaClearTyping = `
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
if score and tonumber(score) > tonumber(ARGV[2]) then
  return 1
end
return 0
`

// RedisStore implements Store on Redis sets and sorted sets.
type RedisStore struct {
	rdb         redis.UniversalClient
	prefix      string
	presenceTTL time.Duration
	timeout     time.Duration
	now         func() time.Time

	addScript    *redis.Script
	removeScript *redis.Script
	clearScript  *redis.Script
}

// Option customises a RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix namespaces every key, e.g. per environment.
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTimeout bounds every store call.
func WithTimeout(d time.Duration) Option {
	return func(s *RedisStore) { s.timeout = d }
}

// WithClock overrides the clock used for typing expiry scores.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore builds a store. presenceTTL bounds how long a presence entry survives without
// refresh, so a crashed process cannot leave users online forever.
func NewRedisStore(rdb redis.UniversalClient, presenceTTL time.Duration, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:          rdb,
		prefix:       "rt",
		presenceTTL:  presenceTTL,
		timeout:      2 * time.Second,
		now:          time.Now,
		addScript:    redis.NewScript(luaAddConnection),
		removeScript: redis.NewScript(luaRemoveConnection),
		clearScript:  redis.NewScript(luaClearTyping),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:user:%s", s.prefix, userID)
}

func (s *RedisStore) onlineIndexKey() string {
	return s.prefix + ":presence:online"
}

func (s *RedisStore) typingKey(conversationID string) string {
	return fmt.Sprintf("%s:typing:conv:%s", s.prefix, conversationID)
}

func (s *RedisStore) connKey(connID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, connID)
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) fail(op string, err error) error {
	observability.IncStoreError(op)
	return fmt.Errorf("%s: %w", op, err)
}

func (s *RedisStore) AddConnection(ctx context.Context, userID, connID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.addScript.Run(ctx, s.rdb,
		[]string{s.presenceKey(userID), s.onlineIndexKey()},
		connID, s.presenceTTL.Milliseconds(), userID,
	).Int()
	if err != nil {
		return false, s.fail("add_connection", err)
	}
	return res == 1, nil
}

func (s *RedisStore) RefreshConnection(ctx context.Context, userID, connID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.addScript.Run(ctx, s.rdb,
		[]string{s.presenceKey(userID), s.onlineIndexKey()},
		connID, s.presenceTTL.Milliseconds(), userID,
	).Err(); err != nil {
		return s.fail("refresh_connection", err)
	}
	if err := s.rdb.PExpire(ctx, s.connKey(connID), s.presenceTTL).Err(); err != nil {
		return s.fail("refresh_connection", err)
	}
	return nil
}

func (s *RedisStore) RemoveConnection(ctx context.Context, userID, connID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.removeScript.Run(ctx, s.rdb,
		[]string{s.presenceKey(userID), s.onlineIndexKey()},
		connID, userID,
	).Int()
	if err != nil {
		return false, s.fail("remove_connection", err)
	}
	return res == 1, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.SCard(ctx, s.presenceKey(userID)).Result()
	if err != nil {
		return false, s.fail("is_online", err)
	}
	return n > 0, nil
}

// ListOnlineUsers returns a snapshot of the online index, pruning users whose presence entry
// expired without a clean disconnect.
func (s *RedisStore) ListOnlineUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.rdb.SMembers(ctx, s.onlineIndexKey()).Result()
	if err != nil {
		return nil, s.fail("list_online", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	pipe := s.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		checks[i] = pipe.Exists(ctx, s.presenceKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, s.fail("list_online", err)
	}

	online := make([]string, 0, len(members))
	var stale []interface{}
	for i, userID := range members {
		if checks[i].Val() > 0 {
			online = append(online, userID)
		} else {
			stale = append(stale, userID)
		}
	}
	if len(stale) > 0 {
		// Pruning is an optimisation; the snapshot is already correct without it.
		_ = s.rdb.SRem(ctx, s.onlineIndexKey(), stale...).Err()
	}
	return online, nil
}

func (s *RedisStore) SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	key := s.typingKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: userID})
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("set_typing", err)
	}
	return nil
}

func (s *RedisStore) ClearTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.clearScript.Run(ctx, s.rdb,
		[]string{s.typingKey(conversationID)},
		userID, s.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, s.fail("clear_typing", err)
	}
	return res == 1, nil
}

func (s *RedisStore) ListTyping(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	users, err := s.rdb.ZRangeByScore(ctx, s.typingKey(conversationID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(s.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, s.fail("list_typing", err)
	}
	return users, nil
}

func (s *RedisStore) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	score, err := s.rdb.ZScore(ctx, s.typingKey(conversationID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, s.fail("is_typing", err)
	}
	return int64(score) > s.now().UnixMilli(), nil
}

func (s *RedisStore) BindConnectionIdentity(ctx context.Context, connID string, identity models.Identity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.rdb.Set(ctx, s.connKey(connID), body, s.presenceTTL).Err(); err != nil {
		return s.fail("bind_identity", err)
	}
	return nil
}

func (s *RedisStore) LookupConnectionIdentity(ctx context.Context, connID string) (models.Identity, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	body, err := s.rdb.Get(ctx, s.connKey(connID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Identity{}, false, nil
	}
	if err != nil {
		return models.Identity{}, false, s.fail("lookup_identity", err)
	}

	var identity models.Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return models.Identity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return identity, true, nil
}

func (s *RedisStore) UnbindConnectionIdentity(ctx context.Context, connID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, s.connKey(connID)).Err(); err != nil {
		return s.fail("unbind_identity", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
