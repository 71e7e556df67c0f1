package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/presence"
)

// PresenceHandler exposes the global online set over HTTP.
type PresenceHandler struct {
	tracker *presence.Tracker
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(tracker *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{tracker: tracker}
}

// OnlineUsers returns the user ids currently online across all instances.
func (h *PresenceHandler) OnlineUsers(c *gin.Context) {
	users, err := h.tracker.OnlineUserIDs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load online users"})
		return
	}
	if users == nil {
		users = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
