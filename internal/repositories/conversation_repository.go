package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts the conversation lookup/write service.
// Membership must be checked fresh on every call; nothing here is cached.
type ConversationRepository interface {
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	GetParticipants(ctx context.Context, conversationID int) ([]int, error)
	RecordNewMessage(ctx context.Context, conversationID int, messageID int, senderID int) error
	ResetUnread(ctx context.Context, conversationID int, userID int) error
	UnreadCount(ctx context.Context, conversationID int, userID int) (int, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID)
	return exists, err
}

// GetParticipants returns the conversation's participant user ids.
func (r *ConversationRepo) GetParticipants(ctx context.Context, conversationID int) ([]int, error) {
	var participants []int
	err := r.db.SelectContext(ctx, &participants,
		`SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, ErrConversationNotFound
	}
	return participants, nil
}

// RecordNewMessage sets the conversation's last-message reference and bumps
// the unread counter of every participant except the sender.
func (r *ConversationRepo) RecordNewMessage(ctx context.Context, conversationID int, messageID int, senderID int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id=$1 WHERE id=$2`,
		messageID, conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_unread (conversation_id, user_id, count)
         SELECT conversation_id, user_id, 1 FROM conversation_participants
         WHERE conversation_id=$1 AND user_id<>$2
         ON CONFLICT (conversation_id, user_id) DO UPDATE SET count = conversation_unread.count + 1`,
		conversationID, senderID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetUnread zeroes the user's unread counter for the conversation.
func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID int, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_unread (conversation_id, user_id, count) VALUES ($1, $2, 0)
         ON CONFLICT (conversation_id, user_id) DO UPDATE SET count = 0`,
		conversationID, userID)
	return err
}

// UnreadCount returns the user's unread counter for the conversation.
func (r *ConversationRepo) UnreadCount(ctx context.Context, conversationID int, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT count FROM conversation_unread WHERE conversation_id=$1 AND user_id=$2`,
		conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
