package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/rooms"
)

type TypingLister interface {
	List(ctx context.Context, conversationID string) []string
}

type MembershipVerifier interface {
	VerifyMember(ctx context.Context, userID, conversationID string) error
}

// TypingHandler exposes who is typing in a conversation to its members.
type TypingHandler struct {
	typing  TypingLister
	members MembershipVerifier
}

func NewTypingHandler(typing TypingLister, members MembershipVerifier) *TypingHandler {
	return &TypingHandler{typing: typing, members: members}
}

func (h *TypingHandler) ListTyping(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString("userID")

	if err := h.members.VerifyMember(c.Request.Context(), userID, conversationID); err != nil {
		if errors.Is(err, rooms.ErrNotAMember) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of conversation"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to verify membership"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"typing":          h.typing.List(c.Request.Context(), conversationID),
	})
}
