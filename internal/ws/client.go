package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-service/internal/events"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 256
	maxFrameSize      = 64 << 10
)

// Client is one websocket connection. All writes go through the send buffer and a single write
// pump; frames are read and dispatched one at a time.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	pongWait  time.Duration

	mu   sync.RWMutex
	info ConnInfo
}

func newClient(conn *websocket.Conn, info ConnInfo, opts Options) *Client {
	return &Client{
		id:        info.ConnID,
		conn:      conn,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,
		info:      info,
	}
}

func (c *Client) ID() string {
	return c.id
}

// UserID is empty until the connection authenticates.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.UserID
}

func (c *Client) Info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Client) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.UserID = userID
}

// Reject sends auth_error and closes the connection. Only valid before the pumps start.
func (c *Client) Reject(reason string) {
	if frame, err := events.Encode(events.AuthErrorEvent{Reason: reason}); err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(c.writeWait))
	c.Close()
}

// Enqueue hands a frame to the write pump. It returns false when the buffer is full.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump blocks until the connection fails, handing each text frame to handle in order.
func (c *Client) readPump(handle func([]byte), onPong func()) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		onPong()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}
