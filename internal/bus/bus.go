package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Broker channels. Every instance publishes local mutations here and
// subscribes to all three, so each process (including the publisher)
// observes every mutation exactly once.
const (
	ChannelNewMessage    = "chat:new_message"
	ChannelMessageStatus = "chat:message_status"
	ChannelPresence      = "chat:presence"
)

// MessageEnvelope carries a new message plus the denormalized participant
// list so receiving instances can route without an extra lookup. A lookup
// fallback applies when Participants is empty.
type MessageEnvelope struct {
	Message      models.Message `json:"message"`
	Participants []int          `json:"participants,omitempty"`
}

// StatusEnvelope carries a message whose status advanced.
type StatusEnvelope struct {
	Message      models.Message `json:"message"`
	Participants []int          `json:"participants,omitempty"`
}

// Handlers receive decoded envelopes from the broker.
type Handlers struct {
	NewMessage    func(MessageEnvelope)
	MessageStatus func(StatusEnvelope)
	Presence      func(models.PresenceUpdate)
}

// Bus is a thin publish/subscribe facade over Redis.
type Bus struct {
	rdb *redis.Client

	mu         sync.Mutex
	pubsub     *redis.PubSub
	subscribed bool
}

// New constructs a Bus.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// PublishNewMessage publishes a message creation. Failures are soft: the
// persisted mutation stands, delivery degrades to the local instance.
func (b *Bus) PublishNewMessage(ctx context.Context, env MessageEnvelope) error {
	return b.publish(ctx, ChannelNewMessage, env)
}

// PublishMessageStatus publishes a status transition.
func (b *Bus) PublishMessageStatus(ctx context.Context, env StatusEnvelope) error {
	return b.publish(ctx, ChannelMessageStatus, env)
}

// PublishPresence publishes an online/offline transition.
func (b *Bus) PublishPresence(ctx context.Context, update models.PresenceUpdate) error {
	return b.publish(ctx, ChannelPresence, update)
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, body).Err(); err != nil {
		log.Printf("bus publish failed channel=%s: %v", channel, err)
		observability.IncBusPublishError(channel)
		return err
	}
	return nil
}

// Subscribe wires the handlers to all three channels and starts the
// receive loop. It is a no-op on repeated calls.
func (b *Bus) Subscribe(ctx context.Context, handlers Handlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed {
		return errors.New("bus already subscribed")
	}

	pubsub := b.rdb.Subscribe(ctx, ChannelNewMessage, ChannelMessageStatus, ChannelPresence)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	b.pubsub = pubsub
	b.subscribed = true

	go func() {
		for msg := range pubsub.Channel() {
			dispatch(msg.Channel, []byte(msg.Payload), handlers)
		}
	}()
	log.Printf("bus subscribed channels=%s,%s,%s", ChannelNewMessage, ChannelMessageStatus, ChannelPresence)
	return nil
}

// Close tears down the subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	b.subscribed = false
	return err
}

func dispatch(channel string, payload []byte, handlers Handlers) {
	switch channel {
	case ChannelNewMessage:
		var env MessageEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("bus decode failed channel=%s: %v", channel, err)
			return
		}
		if handlers.NewMessage != nil {
			handlers.NewMessage(env)
		}
	case ChannelMessageStatus:
		var env StatusEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("bus decode failed channel=%s: %v", channel, err)
			return
		}
		if handlers.MessageStatus != nil {
			handlers.MessageStatus(env)
		}
	case ChannelPresence:
		var update models.PresenceUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			log.Printf("bus decode failed channel=%s: %v", channel, err)
			return
		}
		if handlers.Presence != nil {
			handlers.Presence(update)
		}
	}
}
