package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-service/internal/events"
)

const defaultRedisChannel = "rt:broadcast"

// RedisBackbone fans deliveries out over Redis Pub/Sub.
type RedisBackbone struct {
	rdb     redis.UniversalClient
	channel string
	log     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisBackbone(rdb redis.UniversalClient, channel string, log *zap.Logger) *RedisBackbone {
	if channel == "" {
		channel = defaultRedisChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBackbone{rdb: rdb, channel: channel, log: log.With(zap.String("component", "backbone.redis"))}
}

func (b *RedisBackbone) Start(ctx context.Context, handle func(events.Delivery)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no publish after Start is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var d events.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("malformed delivery", zap.Error(err))
				continue
			}
			handle(d)
		}
	}()
	return nil
}

func (b *RedisBackbone) Publish(ctx context.Context, d events.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
