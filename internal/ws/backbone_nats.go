package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"realtime-service/internal/events"
)

const defaultNATSSubject = "realtime.broadcast"

// NATSBackbone fans deliveries out over a NATS subject.
type NATSBackbone struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// DialNATS connects with reconnects enabled.
func DialNATS(url string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return nats.Connect(url,
		nats.Name("realtime-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

func NewNATSBackbone(nc *nats.Conn, subject string, log *zap.Logger) *NATSBackbone {
	if subject == "" {
		subject = defaultNATSSubject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSBackbone{nc: nc, subject: subject, log: log.With(zap.String("component", "backbone.nats"))}
}

func (b *NATSBackbone) Start(_ context.Context, handle func(events.Delivery)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var d events.Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.log.Warn("malformed delivery", zap.Error(err))
			return
		}
		handle(d)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

func (b *NATSBackbone) Publish(_ context.Context, d events.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := b.nc.Publish(b.subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	return nil
}

func (b *NATSBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	return err
}
