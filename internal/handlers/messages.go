package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// MessageHandler serves conversation message history.
type MessageHandler struct {
	convos   repositories.ConversationRepository
	messages repositories.MessageRepository
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(convos repositories.ConversationRepository, messages repositories.MessageRepository) *MessageHandler {
	return &MessageHandler{convos: convos, messages: messages}
}

// ListConversationMessages returns a conversation's messages oldest first.
// Non-members get the same not-found response as a missing conversation.
func (h *MessageHandler) ListConversationMessages(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	userID := c.GetInt("userID")
	member, err := h.convos.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	msgs, err := h.messages.ListConversationMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	unread, err := h.convos.UnreadCount(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unread count"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs, "unread": unread})
}
