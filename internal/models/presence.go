package models

import "time"

// Presence statuses carried by presence_update events.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceUpdate announces a user's online/offline transition. Stale is set
// when the transition was forced by the cleanup loop after a crashed
// instance leaked a positive connection count.
type PresenceUpdate struct {
	UserID int       `json:"user_id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Stale  bool      `json:"stale,omitempty"`
}
