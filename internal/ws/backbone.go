package ws

import (
	"context"
	"sync"

	"realtime-service/internal/events"
)

// Backbone carries deliveries between server processes. Every process receives every delivery,
// including its own.
type Backbone interface {
	// Start subscribes and invokes handle for each delivery until Close or ctx is done.
	Start(ctx context.Context, handle func(events.Delivery)) error
	Publish(ctx context.Context, d events.Delivery) error
	Close() error
}

// LocalBus connects hubs living in one process. Used for single-process deployments and tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[*LocalBackbone]func(events.Delivery)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[*LocalBackbone]func(events.Delivery))}
}

// Backbone returns a new attachment point on the bus.
func (b *LocalBus) Backbone() *LocalBackbone {
	return &LocalBackbone{bus: b}
}

// LocalBackbone is one hub's attachment to a LocalBus.
type LocalBackbone struct {
	bus *LocalBus
}

// NewLocalBackbone returns a backbone on a private bus.
func NewLocalBackbone() *LocalBackbone {
	return NewLocalBus().Backbone()
}

func (l *LocalBackbone) Start(_ context.Context, handle func(events.Delivery)) error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	l.bus.handlers[l] = handle
	return nil
}

func (l *LocalBackbone) Publish(_ context.Context, d events.Delivery) error {
	l.bus.mu.RLock()
	handlers := make([]func(events.Delivery), 0, len(l.bus.handlers))
	for _, h := range l.bus.handlers {
		handlers = append(handlers, h)
	}
	l.bus.mu.RUnlock()

	for _, h := range handlers {
		h(d)
	}
	return nil
}

func (l *LocalBackbone) Close() error {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	delete(l.bus.handlers, l)
	return nil
}
