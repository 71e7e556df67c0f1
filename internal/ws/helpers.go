package ws

import (
	"crypto/rand"
	"encoding/hex"
)

// newConnID mints a random identifier for one websocket connection. It is
// only used for logging and presence bookkeeping, never exposed to clients.
func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(buf)
}
