package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
)

// MessageHandler serves asynchronous mail.
type MessageHandler struct {
	messages *service.MessageService
	logger   *zap.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(messages *service.MessageService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

// Register mounts the mail routes. All of them need an agent-bound
// credential.
func (h *MessageHandler) Register(rg *gin.RouterGroup) {
	msgs := rg.Group("/messages", RequireActor())
	{
		msgs.POST("", h.Send)
		msgs.GET("/inbox", h.Inbox)
		msgs.POST("/:id/ack", h.Ack)
	}
}

type sendMessageRequest struct {
	To        string     `json:"to" binding:"required"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body" binding:"required"`
	Priority  string     `json:"priority"`
	ThreadID  *uuid.UUID `json:"thread_id"`
	FromAlias string     `json:"from_alias"`
	Signature string     `json:"signature"`
}

// Send handles POST /messages — delivers mail to a teammate.
func (h *MessageHandler) Send(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), ident.Project, ident.Agent, service.SendParams{
		ToAlias:   req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		Priority:  model.Priority(req.Priority),
		ThreadID:  req.ThreadID,
		FromAlias: req.FromAlias,
		Signature: req.Signature,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	RecordMessageSent("mail")
	c.JSON(http.StatusCreated, msg)
}

// Inbox handles GET /messages/inbox?unread_only=&limit=. Everything is
// returned unless unread_only=true narrows it.
func (h *MessageHandler) Inbox(c *gin.Context) {
	ident := IdentityFromCtx(c)
	unreadOnly := c.Query("unread_only") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.messages.Inbox(c.Request.Context(), ident.Project.ID, ident.Agent, unreadOnly, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if items == nil {
		items = []*model.InboxItem{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": items, "count": len(items)})
}

// Ack handles POST /messages/:id/ack — marks mail read. Idempotent.
func (h *MessageHandler) Ack(c *gin.Context) {
	ident := IdentityFromCtx(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	readAt, err := h.messages.Ack(c.Request.Context(), ident.Project.ID, ident.Agent, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "acknowledged",
		"read_at": readAt.UTC().Format(time.RFC3339Nano),
	})
}
