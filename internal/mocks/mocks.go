package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/bus"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) GetParticipants(ctx context.Context, conversationID int) ([]int, error) {
	args := m.Called(ctx, conversationID)
	var participants []int
	if val := args.Get(0); val != nil {
		participants = val.([]int)
	}
	return participants, args.Error(1)
}

func (m *ConversationRepositoryMock) RecordNewMessage(ctx context.Context, conversationID int, messageID int, senderID int) error {
	args := m.Called(ctx, conversationID, messageID, senderID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ResetUnread(ctx context.Context, conversationID int, userID int) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) UnreadCount(ctx context.Context, conversationID int, userID int) (int, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Int(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, conversationID int, senderID int, receiverID *int, msgType string, text string) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, receiverID, msgType, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListConversationMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateMessageStatus(ctx context.Context, messageID int, status string, userID int) (models.Message, bool, error) {
	args := m.Called(ctx, messageID, status, userID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListPendingForUser(ctx context.Context, userID int) ([]models.Message, error) {
	args := m.Called(ctx, userID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type BusPublisherMock struct {
	mock.Mock
}

func (m *BusPublisherMock) PublishNewMessage(ctx context.Context, env bus.MessageEnvelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *BusPublisherMock) PublishMessageStatus(ctx context.Context, env bus.StatusEnvelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *BusPublisherMock) PublishPresence(ctx context.Context, update models.PresenceUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) Verify(token string) (int, error) {
	args := m.Called(token)
	return args.Int(0), args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
