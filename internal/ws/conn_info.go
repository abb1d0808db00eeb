package ws

import "time"

// ConnInfo is what lifecycle events and logs know about a connection.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
