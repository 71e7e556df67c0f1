package ws

import "time"

// ConnInfo describes an authenticated websocket connection. UserID is bound
// once at handshake time and never re-derived from client data.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
