package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, conversation_id, sender_id, receiver_id, type, text, status, delivered_at, read_at, created_at`

// MessageRepository defines interactions with persisted messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID int, senderID int, receiverID *int, msgType string, text string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	ListConversationMessages(ctx context.Context, conversationID int) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID int, status string, userID int) (models.Message, bool, error)
	ListPendingForUser(ctx context.Context, userID int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage stores a new message with status sent.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int, senderID int, receiverID *int, msgType string, text string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, receiver_id, type, text, status)
         VALUES ($1, $2, $3, $4, $5, 'sent')
         RETURNING `+messageColumns,
		conversationID, senderID, receiverID, msgType, text).StructScan(&msg)
	return msg, err
}

// GetMessage retrieves a single message with its read set.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if err := r.loadReadBy(ctx, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListConversationMessages returns the conversation's messages oldest first.
func (r *MessageRepo) ListConversationMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC`,
		conversationID)
	return msgs, err
}

// UpdateMessageStatus applies a monotonic status transition and reports
// whether anything changed. A delivered ack on a read message is a no-op;
// read always backfills delivered_at. Re-acknowledging is idempotent, but
// the acking user is still added to the read set (set semantics).
func (r *MessageRepo) UpdateMessageStatus(ctx context.Context, messageID int, status string, userID int) (models.Message, bool, error) {
	var (
		msg models.Message
		err error
	)
	switch status {
	case models.StatusDelivered:
		err = r.db.QueryRowxContext(ctx,
			`UPDATE messages SET status='delivered', delivered_at=NOW()
             WHERE id=$1 AND status='sent'
             RETURNING `+messageColumns, messageID).StructScan(&msg)
	case models.StatusRead:
		err = r.db.QueryRowxContext(ctx,
			`UPDATE messages SET status='read',
                 read_at=COALESCE(read_at, NOW()),
                 delivered_at=COALESCE(delivered_at, NOW())
             WHERE id=$1 AND status<>'read'
             RETURNING `+messageColumns, messageID).StructScan(&msg)
	default:
		return models.Message{}, false, fmt.Errorf("invalid message status %q", status)
	}

	changed := true
	if errors.Is(err, sql.ErrNoRows) {
		// Already at or past the requested status: confirmed no-op.
		msg, err = r.GetMessage(ctx, messageID)
		if err != nil {
			return models.Message{}, false, err
		}
		changed = false
	} else if err != nil {
		return models.Message{}, false, err
	}

	if status == models.StatusRead {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			messageID, userID); err != nil {
			return models.Message{}, false, err
		}
	}
	if err := r.loadReadBy(ctx, &msg); err != nil {
		return models.Message{}, false, err
	}
	return msg, changed, nil
}

// ListPendingForUser returns sent messages addressed to the user across all
// of their conversations, used to mark backlog as delivered on connect.
func (r *MessageRepo) ListPendingForUser(ctx context.Context, userID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT m.id, m.conversation_id, m.sender_id, m.receiver_id, m.type, m.text,
                m.status, m.delivered_at, m.read_at, m.created_at
         FROM messages m
         JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id=$1
         WHERE m.status='sent' AND m.sender_id<>$1
         ORDER BY m.created_at ASC`, userID)
	return msgs, err
}

func (r *MessageRepo) loadReadBy(ctx context.Context, msg *models.Message) error {
	var readers []int
	err := r.db.SelectContext(ctx, &readers,
		`SELECT user_id FROM message_reads WHERE message_id=$1 ORDER BY user_id`, msg.ID)
	if err != nil {
		return err
	}
	msg.ReadBy = readers
	return nil
}
