package models

import "time"

// Message statuses, ordered: sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message represents a conversation message and its delivery state.
type Message struct {
	ID             int        `db:"id" json:"id"`
	ConversationID int        `db:"conversation_id" json:"conversation_id"`
	SenderID       int        `db:"sender_id" json:"sender_id"`
	ReceiverID     *int       `db:"receiver_id" json:"receiver_id,omitempty"`
	Type           string     `db:"type" json:"type"`
	Text           string     `db:"text" json:"text"`
	Status         string     `db:"status" json:"status"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt         *time.Time `db:"read_at" json:"read_at,omitempty"`
	ReadBy         []int      `db:"-" json:"read_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// StatusRank maps a status to its position in the state machine.
// Unknown statuses rank below sent so they never win a transition.
func StatusRank(status string) int {
	switch status {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo reports whether moving to the given status is a forward
// transition. Once read, a delivered ack is a no-op.
func (m Message) CanAdvanceTo(status string) bool {
	return StatusRank(status) > StatusRank(m.Status)
}
