package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"chat-realtime/internal/bus"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
)

// Publisher is the slice of the fan-out bus a session needs.
type Publisher interface {
	PublishNewMessage(ctx context.Context, env bus.MessageEnvelope) error
	PublishMessageStatus(ctx context.Context, env bus.StatusEnvelope) error
}

// Membership violations and missing conversations produce the same error so
// non-members cannot probe which conversations exist.
const errNotFoundOrForbidden = "conversation not found or access denied"

const maxTextLength = 4000

// Session dispatches the events of one authenticated connection. All
// mutating operations re-verify membership against storage; nothing is
// cached between events.
type Session struct {
	conn     Conn
	info     ConnInfo
	hub      *Hub
	convos   repositories.ConversationRepository
	messages repositories.MessageRepository
	bus      Publisher
}

// NewSession constructs a Session for a registered connection.
func NewSession(conn Conn, info ConnInfo, hub *Hub, convos repositories.ConversationRepository, messages repositories.MessageRepository, publisher Publisher) *Session {
	return &Session{
		conn:     conn,
		info:     info,
		hub:      hub,
		convos:   convos,
		messages: messages,
		bus:      publisher,
	}
}

// HandleEvent decodes one client frame and dispatches it. Unknown events
// and malformed payloads are reported to this connection only.
func (s *Session) HandleEvent(ctx context.Context, raw []byte) {
	var event models.ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		s.sendValidationError("malformed event frame")
		return
	}
	observability.IncWSEvent(event.Event)

	switch event.Event {
	case models.EventJoinConversation:
		s.handleJoin(ctx, event.Data)
	case models.EventLeaveConversation:
		s.handleLeave(event.Data)
	case models.EventSendMessage:
		s.handleSend(ctx, event.Data)
	case models.EventMessageDelivered:
		s.handleAck(ctx, event.Data, models.StatusDelivered)
	case models.EventMessageRead:
		s.handleAck(ctx, event.Data, models.StatusRead)
	default:
		s.sendValidationError(fmt.Sprintf("unknown event %q", event.Event))
	}
}

func (s *Session) handleJoin(ctx context.Context, data json.RawMessage) {
	var payload models.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID <= 0 {
		s.sendValidationError("invalid conversation id")
		return
	}

	member, err := s.convos.IsParticipant(ctx, payload.ConversationID, s.info.UserID)
	if err != nil {
		s.sendError("internal server error")
		return
	}
	if !member {
		s.sendError(errNotFoundOrForbidden)
		return
	}
	s.hub.JoinRoom(payload.ConversationID, s.conn)
	log.Printf("conn=%s joined conversation=%d", s.info.ConnID, payload.ConversationID)
}

// Leaving needs no membership check: a connection may always drop a room.
func (s *Session) handleLeave(data json.RawMessage) {
	var payload models.JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID <= 0 {
		s.sendValidationError("invalid conversation id")
		return
	}
	s.hub.LeaveRoom(payload.ConversationID, s.conn)
	log.Printf("conn=%s left conversation=%d", s.info.ConnID, payload.ConversationID)
}

func (s *Session) handleSend(ctx context.Context, data json.RawMessage) {
	var payload models.SendPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.sendValidationError("malformed send_message payload")
		return
	}
	if errs := validateSendPayload(payload); len(errs) > 0 {
		s.hub.SendToConn(s.conn, models.ServerEvent{Type: models.EventValidationError, Errors: errs})
		return
	}
	if payload.Type == "" {
		payload.Type = "text"
	}

	// One lookup serves both the membership check and the fan-out targets.
	participants, err := s.convos.GetParticipants(ctx, payload.ConversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			s.sendError(errNotFoundOrForbidden)
			return
		}
		s.sendError("internal server error")
		return
	}
	if !containsUser(participants, s.info.UserID) {
		s.sendError(errNotFoundOrForbidden)
		return
	}

	// The sender is always the connection's bound identity.
	msg, err := s.messages.CreateMessage(ctx, payload.ConversationID, s.info.UserID, payload.ReceiverID, payload.Type, payload.Text)
	if err != nil {
		s.sendError("internal server error")
		return
	}
	if err := s.convos.RecordNewMessage(ctx, payload.ConversationID, msg.ID, s.info.UserID); err != nil {
		log.Printf("record new message failed conversation=%d message=%d: %v", payload.ConversationID, msg.ID, err)
	}

	// Immediate local echo to the originating connection only; the fan-out
	// path excludes this user so exactly one copy arrives.
	s.hub.SendToConn(s.conn, models.ServerEvent{Type: models.EventNewMessage, Message: &msg})

	if err := s.bus.PublishNewMessage(ctx, bus.MessageEnvelope{Message: msg, Participants: participants}); err != nil {
		log.Printf("publish new message failed message=%d: %v", msg.ID, err)
	}
}

func (s *Session) handleAck(ctx context.Context, data json.RawMessage, status string) {
	var payload models.AckPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID <= 0 {
		s.sendValidationError("invalid message id")
		return
	}

	msg, err := s.messages.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			s.sendError(errNotFoundOrForbidden)
			return
		}
		s.sendError("internal server error")
		return
	}

	// A sender acknowledging their own message is a quiet no-op.
	if msg.SenderID == s.info.UserID {
		return
	}

	member, err := s.convos.IsParticipant(ctx, msg.ConversationID, s.info.UserID)
	if err != nil {
		s.sendError("internal server error")
		return
	}
	if !member {
		s.sendError(errNotFoundOrForbidden)
		return
	}

	// A delivered ack past the message's current status needs no round
	// trip. Read acks always go to storage: even when the status cannot
	// advance, the acking user is still added to the read set.
	if status == models.StatusDelivered && !msg.CanAdvanceTo(status) {
		return
	}

	updated, changed, err := s.messages.UpdateMessageStatus(ctx, payload.MessageID, status, s.info.UserID)
	if err != nil {
		s.sendError("internal server error")
		return
	}

	if status == models.StatusRead {
		if err := s.convos.ResetUnread(ctx, msg.ConversationID, s.info.UserID); err != nil {
			log.Printf("reset unread failed conversation=%d user=%d: %v", msg.ConversationID, s.info.UserID, err)
		}
	}

	// A confirmed no-op (already delivered/read) publishes nothing.
	if !changed {
		return
	}

	participants, err := s.convos.GetParticipants(ctx, msg.ConversationID)
	if err != nil {
		participants = nil
	}
	if err := s.bus.PublishMessageStatus(ctx, bus.StatusEnvelope{Message: updated, Participants: participants}); err != nil {
		log.Printf("publish message status failed message=%d: %v", updated.ID, err)
	}
}

// MarkPendingDelivered advances the user's backlog of sent messages to
// delivered, publishing each transition. Runs once after registration so
// messages sent while the user was offline surface as delivered.
func (s *Session) MarkPendingDelivered(ctx context.Context) {
	pending, err := s.messages.ListPendingForUser(ctx, s.info.UserID)
	if err != nil {
		log.Printf("pending sweep failed user=%d: %v", s.info.UserID, err)
		return
	}
	for _, msg := range pending {
		updated, changed, err := s.messages.UpdateMessageStatus(ctx, msg.ID, models.StatusDelivered, s.info.UserID)
		if err != nil || !changed {
			continue
		}
		participants, err := s.convos.GetParticipants(ctx, updated.ConversationID)
		if err != nil {
			participants = nil
		}
		if err := s.bus.PublishMessageStatus(ctx, bus.StatusEnvelope{Message: updated, Participants: participants}); err != nil {
			log.Printf("publish pending status failed message=%d: %v", updated.ID, err)
		}
	}
}

func (s *Session) sendError(message string) {
	s.hub.SendToConn(s.conn, models.ServerEvent{Type: models.EventError, Error: message})
}

func (s *Session) sendValidationError(message string) {
	s.hub.SendToConn(s.conn, models.ServerEvent{Type: models.EventValidationError, Errors: []string{message}})
}

func validateSendPayload(payload models.SendPayload) []string {
	var errs []string
	if payload.ConversationID <= 0 {
		errs = append(errs, "conversation is required")
	}
	if payload.Text == "" {
		errs = append(errs, "text is required")
	}
	if len(payload.Text) > maxTextLength {
		errs = append(errs, fmt.Sprintf("text exceeds %d characters", maxTextLength))
	}
	return errs
}

func containsUser(participants []int, userID int) bool {
	for _, id := range participants {
		if id == userID {
			return true
		}
	}
	return false
}
