package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/models"
)

// PresenceReader answers presence queries from the shared store.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) bool
	OnlineUsers(ctx context.Context) []string
	ConnectionIdentity(ctx context.Context, connID string) (models.Identity, bool)
}

// PresenceHandler serves presence snapshots over HTTP.
type PresenceHandler struct {
	presence PresenceReader
}

func NewPresenceHandler(presence PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// ListOnline returns every user with at least one live connection on any process.
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	users := h.presence.OnlineUsers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (h *PresenceHandler) GetUserPresence(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": h.presence.IsOnline(c.Request.Context(), userID)})
}

// GetConnection resolves a connection id from any process to the identity it authenticated as.
func (h *PresenceHandler) GetConnection(c *gin.Context) {
	identity, found := h.presence.ConnectionIdentity(c.Request.Context(), c.Param("conn_id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": c.Param("conn_id"), "user": identity})
}
