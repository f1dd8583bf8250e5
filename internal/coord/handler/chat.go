package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
	"github.com/beadhub/aweb/internal/presence"
)

const (
	// streamPollInterval is how often the stream endpoint polls for new
	// messages and receipts.
	streamPollInterval = 100 * time.Millisecond
	// streamKeepalive is the idle comment interval.
	streamKeepalive = 15 * time.Second
	// streamDefaultDeadline / streamMaxDeadline bound the ?deadline param.
	streamDefaultDeadline = 60 * time.Second
	streamMaxDeadline     = 600 * time.Second
)

// ChatHandler serves synchronous chat sessions, including the SSE stream.
type ChatHandler struct {
	chat     *service.ChatService
	messages *service.MessageService
	logger   *zap.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(chat *service.ChatService, messages *service.MessageService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, messages: messages, logger: logger}
}

// Register mounts the chat routes.
func (h *ChatHandler) Register(rg *gin.RouterGroup) {
	chat := rg.Group("/chat", RequireActor())
	{
		chat.POST("/sessions", h.CreateOrSend)
		chat.GET("/sessions", h.ListSessions)
		chat.GET("/pending", h.Pending)
		chat.GET("/sessions/:id/messages", h.History)
		chat.POST("/sessions/:id/messages", h.Send)
		chat.POST("/sessions/:id/read", h.MarkRead)
		chat.GET("/sessions/:id/stream", h.Stream)
	}
}

func (h *ChatHandler) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return uuid.Nil, false
	}
	return id, true
}

type createOrSendRequest struct {
	// To accepts a single alias or a list.
	To            json.RawMessage `json:"to" binding:"required"`
	Message       string          `json:"message"`
	SenderLeaving bool            `json:"sender_leaving"`
	HangOn        bool            `json:"hang_on"`
}

func (r *createOrSendRequest) aliases() ([]string, error) {
	var one string
	if err := json.Unmarshal(r.To, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.To, &many); err != nil {
		return nil, fmt.Errorf("to must be an alias or a list of aliases")
	}
	return many, nil
}

// CreateOrSend handles POST /chat/sessions — lands the caller and targets
// in their shared session and optionally sends the first message.
func (h *ChatHandler) CreateOrSend(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req createOrSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	aliases, err := req.aliases()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.chat.CreateOrSend(c.Request.Context(), ident.Project, ident.Agent, service.CreateOrSendParams{
		ToAliases:     aliases,
		Body:          req.Message,
		SenderLeaving: req.SenderLeaving,
		HangOn:        req.HangOn,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if res.Message != nil {
		RecordMessageSent("chat")
	}
	c.JSON(http.StatusOK, res)
}

// ListSessions handles GET /chat/sessions.
func (h *ChatHandler) ListSessions(c *gin.Context) {
	ident := IdentityFromCtx(c)
	sessions, err := h.chat.ListSessions(c.Request.Context(), ident.Project.ID, ident.Agent)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*service.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// Pending handles GET /chat/pending — sessions with unread chat plus the
// caller's unread mail count, one poll for "anything waiting for me?".
func (h *ChatHandler) Pending(c *gin.Context) {
	ident := IdentityFromCtx(c)
	ctx := c.Request.Context()

	sessions, err := h.chat.Pending(ctx, ident.Project.ID, ident.Agent)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*model.PendingSession{}
	}
	mailUnread, err := h.messages.UnreadCount(ctx, ident.Project.ID, ident.Agent.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":     sessions,
		"count":       len(sessions),
		"mail_unread": mailUnread,
	})
}

// History handles GET /chat/sessions/:id/messages?unread_only=&limit=.
func (h *ChatHandler) History(c *gin.Context) {
	ident := IdentityFromCtx(c)
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	unreadOnly := c.Query("unread_only") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	msgs, err := h.chat.History(c.Request.Context(), ident.Project.ID, ident.Agent, sessionID, unreadOnly, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []*model.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type chatSendRequest struct {
	Message       string `json:"message" binding:"required"`
	SenderLeaving bool   `json:"sender_leaving"`
	HangOn        bool   `json:"hang_on"`
}

// Send handles POST /chat/sessions/:id/messages.
func (h *ChatHandler) Send(c *gin.Context) {
	ident := IdentityFromCtx(c)
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.chat.Send(c.Request.Context(), ident.Project, ident.Agent, sessionID,
		req.Message, req.SenderLeaving, req.HangOn)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	RecordMessageSent("chat")
	c.JSON(http.StatusCreated, res)
}

type markReadRequest struct {
	UpToMessageID uuid.UUID `json:"up_to_message_id" binding:"required"`
}

// MarkRead handles POST /chat/sessions/:id/read — advances the caller's
// read cursor. A stale cursor marks nothing.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	ident := IdentityFromCtx(c)
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}

	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	marked, err := h.chat.MarkRead(c.Request.Context(), ident.Project.ID, ident.Agent, sessionID, req.UpToMessageID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages_marked": marked})
}

// streamMessage is the wire form of an SSE message event: the stored
// message plus the receiver-facing waiting fields. sender_waiting says the
// sender still holds an open stream; extends_wait_seconds is non-zero on
// hang_on messages and tells the receiver how much longer to hold on.
type streamMessage struct {
	Type               string    `json:"type"`
	SessionID          uuid.UUID `json:"session_id"`
	MessageID          uuid.UUID `json:"message_id"`
	FromAgent          string    `json:"from_agent"`
	Body               string    `json:"body"`
	SenderLeaving      bool      `json:"sender_leaving"`
	SenderWaiting      bool      `json:"sender_waiting"`
	HangOn             bool      `json:"hang_on"`
	ExtendsWaitSeconds int       `json:"extends_wait_seconds"`
	Timestamp          string    `json:"timestamp"`
	FromDID            string    `json:"from_did,omitempty"`
	ToDID              string    `json:"to_did,omitempty"`
	Signature          string    `json:"signature,omitempty"`
	SigningKeyID       string    `json:"signing_key_id,omitempty"`
}

func newStreamMessage(m *model.ChatMessage, senderWaiting bool) *streamMessage {
	ev := &streamMessage{
		Type:          "message",
		SessionID:     m.SessionID,
		MessageID:     m.ID,
		FromAgent:     m.FromAlias,
		Body:          m.Body,
		SenderLeaving: m.SenderLeaving,
		SenderWaiting: senderWaiting,
		HangOn:        m.HangOn,
		Timestamp:     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		FromDID:       m.FromDID,
		ToDID:         m.ToDID,
		Signature:     m.Signature,
		SigningKeyID:  m.SigningKeyID,
	}
	if m.HangOn {
		ev.ExtendsWaitSeconds = service.HangOnExtensionSeconds
	}
	return ev
}

// Stream handles GET /chat/sessions/:id/stream — an SSE feed of new
// messages and read receipts. ?after replays history newer than the given
// RFC 3339 timestamp; ?deadline bounds the stream lifetime in seconds.
// Incoming hang_on messages extend the deadline, capped at an absolute
// maximum.
func (h *ChatHandler) Stream(c *gin.Context) {
	ident := IdentityFromCtx(c)
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.chat.Authorize(ctx, ident.Project.ID, sessionID, ident.Agent.ID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	deadlineSec, _ := strconv.Atoi(c.DefaultQuery("deadline", "60"))
	wait := time.Duration(deadlineSec) * time.Second
	if wait <= 0 {
		wait = streamDefaultDeadline
	}
	if wait > streamMaxDeadline {
		wait = streamMaxDeadline
	}

	var after time.Time
	if raw := c.Query("after"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an RFC 3339 timestamp"})
			return
		}
		after = t
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	// Initial comment confirms the stream is open before any event.
	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	h.chat.RegisterWaiting(ctx, sessionID, ident.Agent.ID)
	defer h.chat.UnregisterWaiting(ctx, sessionID, ident.Agent.ID)

	start := time.Now()
	deadline := start.Add(wait)
	absolute := start.Add(streamMaxDeadline)
	msgCursor := start
	receiptCursor := start

	// Replay: history newer than the client's cursor, oldest first, with
	// the senders' waiting state resolved in one batched lookup.
	if !after.IsZero() {
		replay, err := h.chat.MessagesAfter(ctx, sessionID, after, 50)
		if err != nil {
			h.logger.Warn("stream replay failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		waiting := h.chat.WaitingSenders(ctx, sessionID, replay)
		for _, m := range replay {
			h.writeEvent(c, flusher, "message", newStreamMessage(m, waiting[m.FromAgentID]))
			if m.CreatedAt.After(msgCursor) {
				msgCursor = m.CreatedAt
			}
		}
	}

	lastRegister := time.Now()
	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		now := time.Now()
		if now.After(deadline) {
			h.writeEvent(c, flusher, "timeout", gin.H{"waited_seconds": int(now.Sub(start).Seconds())})
			return
		}

		if now.Sub(lastRegister) >= presence.WaitingRefreshInterval {
			h.chat.RegisterWaiting(ctx, sessionID, ident.Agent.ID)
			lastRegister = now
		}

		msgs, err := h.chat.MessagesAfter(ctx, sessionID, msgCursor, 200)
		if err != nil {
			h.logger.Warn("stream poll failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		waiting := h.chat.WaitingSenders(ctx, sessionID, msgs)
		for _, m := range msgs {
			h.writeEvent(c, flusher, "message", newStreamMessage(m, waiting[m.FromAgentID]))
			lastWrite = time.Now()
			if m.CreatedAt.After(msgCursor) {
				msgCursor = m.CreatedAt
			}
			if m.HangOn && m.FromAgentID != ident.Agent.ID {
				extended := time.Now().Add(service.HangOnExtensionSeconds * time.Second)
				if extended.After(absolute) {
					extended = absolute
				}
				if extended.After(deadline) {
					deadline = extended
				}
			}
		}

		receipts, err := h.chat.ReceiptsAfter(ctx, sessionID, ident.Agent.ID, receiptCursor)
		if err != nil {
			h.logger.Warn("stream receipt poll failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		for _, rr := range receipts {
			h.writeEvent(c, flusher, "read_receipt", gin.H{
				"reader_alias":         rr.ReaderAlias,
				"up_to_message_id":     rr.LastReadMessageID,
				"last_read_at":         rr.LastReadAt.UTC().Format(time.RFC3339Nano),
				"extends_wait_seconds": service.HangOnExtensionSeconds,
			})
			lastWrite = time.Now()
			if rr.LastReadAt.After(receiptCursor) {
				receiptCursor = rr.LastReadAt
			}
		}

		if time.Since(lastWrite) >= streamKeepalive {
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
			lastWrite = time.Now()
		}

		time.Sleep(streamPollInterval)
	}
}

// writeEvent emits one SSE event with a JSON payload.
func (h *ChatHandler) writeEvent(c *gin.Context, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal stream event", zap.String("event", event), zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
