package models

import "encoding/json"

// Client-to-server event names. The set is closed: the session dispatcher
// rejects anything else with a validation error.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMessageDelivered  = "message_delivered"
	EventMessageRead       = "message_read"
)

// Server-to-client event types.
const (
	EventNewMessage      = "new_message"
	EventMessageStatus   = "message_status"
	EventPresenceUpdate  = "presence_update"
	EventError           = "error"
	EventValidationError = "validation_error"
)

// ClientEvent is the wire frame read from a websocket connection.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload carries a room join/leave request.
type JoinPayload struct {
	ConversationID int `json:"conversation_id"`
}

// SendPayload carries a send_message request. The sender id is never taken
// from the client; it comes from the connection's bound identity.
type SendPayload struct {
	ConversationID int    `json:"conversation"`
	ReceiverID     *int   `json:"receiver,omitempty"`
	Type           string `json:"type"`
	Text           string `json:"text"`
}

// AckPayload carries a delivered/read acknowledgment.
type AckPayload struct {
	MessageID int `json:"message_id"`
}

// ServerEvent is broadcast to websocket clients.
type ServerEvent struct {
	Type     string          `json:"type"`
	Message  *Message        `json:"message,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
	Error    string          `json:"error,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}
