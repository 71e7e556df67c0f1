package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"chat-realtime/internal/bus"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
)

const lookupTimeout = 5 * time.Second

// Relay consumes broker envelopes and re-broadcasts them to the sockets
// connected to this instance. Every instance runs one relay, so a mutation
// published anywhere reaches every participant's local connections.
type Relay struct {
	hub    *Hub
	convos repositories.ConversationRepository
}

// NewRelay constructs a Relay.
func NewRelay(hub *Hub, convos repositories.ConversationRepository) *Relay {
	return &Relay{hub: hub, convos: convos}
}

// Handlers wires the relay into a bus subscription.
func (r *Relay) Handlers() bus.Handlers {
	return bus.Handlers{
		NewMessage:    r.onNewMessage,
		MessageStatus: r.onMessageStatus,
		Presence:      r.onPresence,
	}
}

func (r *Relay) onNewMessage(env bus.MessageEnvelope) {
	participants := r.resolveParticipants(env.Participants, env.Message.ConversationID)
	r.hub.FanOutNewMessage(env.Message.ConversationID, participants, env.Message.SenderID, env.Message)
}

func (r *Relay) onMessageStatus(env bus.StatusEnvelope) {
	participants := r.resolveParticipants(env.Participants, env.Message.ConversationID)
	r.hub.FanOutStatus(env.Message.ConversationID, participants, env.Message)
}

func (r *Relay) onPresence(update models.PresenceUpdate) {
	observability.IncPresenceEvent(update.Status)
	r.hub.BroadcastPresence(update)
}

// resolveParticipants prefers the denormalized envelope list; an older
// publisher may omit it, in which case storage is consulted.
func (r *Relay) resolveParticipants(participants []int, conversationID int) []int {
	if len(participants) > 0 {
		return participants
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	looked, err := r.convos.GetParticipants(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, repositories.ErrConversationNotFound) {
			log.Printf("relay participant lookup failed conversation=%d: %v", conversationID, err)
		}
		return nil
	}
	return looked
}
