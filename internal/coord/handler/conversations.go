package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/service"
)

// ConversationHandler serves the unified mail-and-chat conversation list.
type ConversationHandler struct {
	conversations *service.ConversationService
	logger        *zap.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(conversations *service.ConversationService, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, logger: logger}
}

// Register mounts the conversation routes.
func (h *ConversationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/conversations", RequireActor(), h.List)
}

// List handles GET /conversations?cursor=&limit= — mail threads and chat
// sessions merged, newest activity first. The cursor is the next_cursor
// value from the previous page.
func (h *ConversationHandler) List(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var cursor time.Time
	if raw := c.Query("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cursor must be an RFC 3339 timestamp"})
			return
		}
		cursor = t
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	page, err := h.conversations.List(c.Request.Context(), ident.Project.ID, ident.Agent, cursor, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
