package ws

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"realtime-service/internal/events"
	"realtime-service/internal/observability"
)

// Hub holds this process's live connections and their room subscriptions. Knowledge about other
// processes only arrives through the backbone.
type Hub struct {
	id       string
	backbone Backbone
	log      *zap.Logger

	mu        sync.RWMutex
	clients   map[string]*Client
	rooms     map[string]map[string]struct{}
	connRooms map[string]map[string]struct{}
}

// NewHub creates an empty hub publishing through backbone.
func NewHub(backbone Backbone, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		id:        newConnID(),
		backbone:  backbone,
		log:       log.With(zap.String("component", "hub")),
		clients:   make(map[string]*Client),
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Start attaches the hub to the backbone.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.backbone.Start(ctx, h.receive); err != nil {
		return fmt.Errorf("start backbone: %w", err)
	}
	return nil
}

// Register makes a client reachable by broadcasts.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// Unregister drops the client and all of its subscriptions.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
	h.unsubscribeAllLocked(connID)
}

func (h *Hub) Subscribe(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
	if _, ok := h.connRooms[connID]; !ok {
		h.connRooms[connID] = make(map[string]struct{})
	}
	h.connRooms[connID][room] = struct{}{}
}

func (h *Hub) Unsubscribe(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.connRooms[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.connRooms, connID)
		}
	}
}

func (h *Hub) UnsubscribeAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeAllLocked(connID)
}

func (h *Hub) unsubscribeAllLocked(connID string) {
	for room := range h.connRooms[connID] {
		if conns, ok := h.rooms[room]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.connRooms, connID)
}

// Broadcast encodes evt once, delivers it to local subscribers and publishes it for every other
// process. Local delivery happens first so a client's own devices on this process observe its
// actions before the request is acknowledged.
func (h *Hub) Broadcast(ctx context.Context, room string, evt events.Outbound, excludeUserID string) error {
	frame, err := events.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	d := events.Delivery{Room: room, ExcludeUserID: excludeUserID, Origin: h.id, Frame: frame}

	h.deliver(d)
	if err := h.backbone.Publish(ctx, d); err != nil {
		observability.IncBroadcastDelivery("publish_failed")
		return err
	}
	return nil
}

// Send writes evt to one local connection.
func (h *Hub) Send(connID string, evt events.Outbound) bool {
	frame, err := events.Encode(evt)
	if err != nil {
		h.log.Error("encode failed", zap.String("event", string(evt.EventType())), zap.Error(err))
		return false
	}
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.enqueue(c, frame)
}

// ConnectionCount reports live connections on this process.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns the local connection ids subscribed to room.
func (h *Hub) Subscribers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every local client and detaches from the backbone.
func (h *Hub) Close() error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	return h.backbone.Close()
}

func (h *Hub) receive(d events.Delivery) {
	if d.Origin == h.id {
		return
	}
	h.deliver(d)
}

func (h *Hub) deliver(d events.Delivery) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[d.Room]))
	for connID := range h.rooms[d.Room] {
		c, ok := h.clients[connID]
		if !ok {
			continue
		}
		if d.ExcludeUserID != "" && c.UserID() == d.ExcludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, d.Frame)
	}
}

func (h *Hub) enqueue(c *Client, frame []byte) bool {
	if c.closed() {
		return false
	}
	if c.Enqueue(frame) {
		observability.IncBroadcastDelivery("delivered")
		return true
	}
	observability.IncBroadcastDelivery("dropped")
	h.log.Warn("slow consumer dropped", zap.String("conn_id", c.id), zap.String("user_id", c.UserID()))
	h.publishWSError(c, "send buffer full")
	c.Close()
	return false
}
