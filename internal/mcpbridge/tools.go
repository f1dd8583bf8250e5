package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/beadhub/aweb/pkg/client"
)

const (
	// waitPollInterval is how often chat_send_and_wait polls for replies.
	waitPollInterval = 2 * time.Second
	// waitDefaultSeconds / waitMaxSeconds bound the hold on
	// chat_send_and_wait. A hang_on reply extends the deadline by
	// waitExtendSeconds, never past the max.
	waitDefaultSeconds = 60
	waitMaxSeconds     = 600
	waitExtendSeconds  = 300
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

func pretty(v any) string {
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

// ToolRegistry holds the aweb client and the definitions/handlers for all tools.
type ToolRegistry struct {
	c    *client.Client
	defs []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by the given aweb client.
func NewToolRegistry(c *client.Client) *ToolRegistry {
	r := &ToolRegistry{c: c}
	r.defs = []ToolDefinition{
		{
			Name: "whoami",
			Description: "Show the identity behind this bridge's credential: project, alias, " +
				"and agent type. Use this first to learn your own alias.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name: "send_message",
			Description: "Send asynchronous mail to a teammate by alias. The recipient reads it " +
				"whenever they next check their inbox; use chat_send for a live exchange instead.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":      map[string]any{"type": "string", "description": "Recipient alias, e.g. BlueLake"},
					"subject": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
					"priority": map[string]any{
						"type": "string",
						"enum": []string{"low", "normal", "high", "urgent"},
					},
				},
				"required": []string{"to", "body"},
			},
		},
		{
			Name: "check_inbox",
			Description: "List unread mail addressed to you. Each item may carry a " +
				"rotation_announcement when its sender has changed signing keys.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_read": map[string]any{"type": "boolean", "description": "Also list already-acknowledged mail"},
					"limit":        map[string]any{"type": "integer"},
				},
			},
		},
		{
			Name:        "ack_message",
			Description: "Acknowledge one mail item so it stops showing as unread.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message_id": map[string]any{"type": "string"},
				},
				"required": []string{"message_id"},
			},
		},
		{
			Name: "chat_send",
			Description: "Send a chat message to one or more teammates and return immediately. " +
				"Opens (or reuses) the session shared by exactly you and the targets. " +
				"The response says which targets are live on the session right now.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Target aliases",
					},
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"to", "message"},
			},
		},
		{
			Name: "chat_send_and_wait",
			Description: "Send a chat message and block until a reply arrives or the wait times " +
				"out. A reply marked hang_on ('give me a few minutes') extends the wait. " +
				"Replies are acknowledged automatically.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Target aliases",
					},
					"message": map[string]any{"type": "string"},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "How long to wait for a reply (default 60, max 600)",
					},
				},
				"required": []string{"to", "message"},
			},
		},
		{
			Name: "reserve",
			Description: "Take an advisory TTL lease on a resource key (a file path, a deploy " +
				"slot) so teammates see you are working on it. Re-reserving your own key extends it; " +
				"a key held by someone else returns the holder and expiry.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"resource_key": map[string]any{"type": "string"},
					"ttl_seconds":  map[string]any{"type": "integer", "description": "Lease length (default 300, clamped to 60–3600)"},
				},
				"required": []string{"resource_key"},
			},
		},
		{
			Name:        "release_reservation",
			Description: "Release your lease on a resource key. Releasing a key you do not hold is a no-op.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"resource_key": map[string]any{"type": "string"},
				},
				"required": []string{"resource_key"},
			},
		},
		{
			Name:        "list_reservations",
			Description: "List active leases in the project, optionally filtered by key prefix.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prefix": map[string]any{"type": "string"},
				},
			},
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "whoami":
		return r.whoami(ctx)
	case "send_message":
		return r.sendMessage(ctx, args)
	case "check_inbox":
		return r.checkInbox(ctx, args)
	case "ack_message":
		return r.ackMessage(ctx, args)
	case "chat_send":
		return r.chatSend(ctx, args)
	case "chat_send_and_wait":
		return r.chatSendAndWait(ctx, args)
	case "reserve":
		return r.reserve(ctx, args)
	case "release_reservation":
		return r.releaseReservation(ctx, args)
	case "list_reservations":
		return r.listReservations(ctx, args)
	default:
		return failf("unknown tool: %q", name)
	}
}

// ── tool handlers ────────────────────────────────────────────────────────────

func (r *ToolRegistry) whoami(ctx context.Context) (string, bool) {
	ident, err := r.c.WhoAmI(ctx)
	if err != nil {
		return failf("introspect failed: %v", err)
	}
	return ok(pretty(ident))
}

func (r *ToolRegistry) sendMessage(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		To       string `json:"to"`
		Subject  string `json:"subject"`
		Body     string `json:"body"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.To == "" || in.Body == "" {
		return fail("to and body are required")
	}

	msg, err := r.c.SendMessage(ctx, client.SendMessageRequest{
		To: in.To, Subject: in.Subject, Body: in.Body, Priority: in.Priority,
	})
	if err != nil {
		return failf("send failed: %v", err)
	}
	return ok(fmt.Sprintf("Delivered to %s (message_id %s).", in.To, msg.ID))
}

func (r *ToolRegistry) checkInbox(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		IncludeRead bool `json:"include_read"`
		Limit       int  `json:"limit"`
	}
	_ = json.Unmarshal(args, &in)

	items, err := r.c.Inbox(ctx, !in.IncludeRead, in.Limit)
	if err != nil {
		return failf("inbox failed: %v", err)
	}
	if len(items) == 0 {
		return ok("Inbox is empty.")
	}
	return ok(pretty(items))
}

func (r *ToolRegistry) ackMessage(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.MessageID == "" {
		return fail("message_id is required")
	}
	if err := r.c.AckMessage(ctx, in.MessageID); err != nil {
		return failf("ack failed: %v", err)
	}
	return ok("Acknowledged.")
}

func (r *ToolRegistry) chatSend(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		To      []string `json:"to"`
		Message string   `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil || len(in.To) == 0 || in.Message == "" {
		return fail("to and message are required")
	}

	res, err := r.c.ChatOpen(ctx, in.To, in.Message, false)
	if err != nil {
		return failf("chat send failed: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sent to session %s.\n", res.SessionID)
	if len(res.TargetsWaiting) > 0 {
		fmt.Fprintf(&b, "Live now: %s.\n", strings.Join(res.TargetsWaiting, ", "))
	} else {
		b.WriteString("Nobody is live on the session; they will see it when they next check in.\n")
	}
	if len(res.TargetsLeft) > 0 {
		fmt.Fprintf(&b, "Already left: %s.\n", strings.Join(res.TargetsLeft, ", "))
	}
	return ok(b.String())
}

func (r *ToolRegistry) chatSendAndWait(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		To             []string `json:"to"`
		Message        string   `json:"message"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil || len(in.To) == 0 || in.Message == "" {
		return fail("to and message are required")
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = waitDefaultSeconds
	}
	if in.TimeoutSeconds > waitMaxSeconds {
		in.TimeoutSeconds = waitMaxSeconds
	}

	res, err := r.c.ChatOpen(ctx, in.To, in.Message, true)
	if err != nil {
		return failf("chat send failed: %v", err)
	}

	start := time.Now()
	deadline := start.Add(time.Duration(in.TimeoutSeconds) * time.Second)
	absolute := start.Add(waitMaxSeconds * time.Second)

	for {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return fail("cancelled while waiting for a reply")
		case <-time.After(waitPollInterval):
		}

		replies, err := r.c.ChatHistory(ctx, res.SessionID, true, 50)
		if err != nil {
			return failf("poll failed: %v", err)
		}
		if len(replies) == 0 {
			continue
		}

		last := replies[len(replies)-1]
		if _, err := r.c.ChatMarkRead(ctx, res.SessionID, last.ID); err != nil {
			return failf("mark read failed: %v", err)
		}

		// Any real reply ends the wait. A batch of nothing but hang_on
		// messages buys the responder more time, each batch extending the
		// deadline again, never past the absolute cap.
		hasReply := false
		for _, m := range replies {
			if !m.HangOn {
				hasReply = true
				break
			}
		}
		if !hasReply {
			ext := time.Now().Add(waitExtendSeconds * time.Second)
			if ext.After(absolute) {
				ext = absolute
			}
			if ext.After(deadline) {
				deadline = ext
			}
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Received %d repl%s:\n", len(replies), plural(len(replies), "y", "ies"))
		for _, m := range replies {
			fmt.Fprintf(&b, "[%s] %s\n", m.FromAlias, m.Body)
		}
		return ok(b.String())
	}

	return ok(fmt.Sprintf("No reply after %d seconds. The message stays in session %s; "+
		"check back with chat_send or the pending list.", int(time.Since(start).Seconds()), res.SessionID))
}

func (r *ToolRegistry) reserve(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		ResourceKey string `json:"resource_key"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ResourceKey == "" {
		return fail("resource_key is required")
	}

	res, err := r.c.Reserve(ctx, in.ResourceKey, in.TTLSeconds)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return failf("already reserved: %s (holder %v, expires %v)",
				in.ResourceKey, apiErr.Body["holder_alias"], apiErr.Body["expires_at"])
		}
		return failf("reserve failed: %v", err)
	}
	return ok(fmt.Sprintf("Reserved %s until %s.", res.ResourceKey, res.ExpiresAt.Format(time.RFC3339)))
}

func (r *ToolRegistry) releaseReservation(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		ResourceKey string `json:"resource_key"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.ResourceKey == "" {
		return fail("resource_key is required")
	}
	if err := r.c.ReleaseReservation(ctx, in.ResourceKey); err != nil {
		return failf("release failed: %v", err)
	}
	return ok("Released.")
}

func (r *ToolRegistry) listReservations(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Prefix string `json:"prefix"`
	}
	_ = json.Unmarshal(args, &in)

	reservations, err := r.c.ListReservations(ctx, in.Prefix)
	if err != nil {
		return failf("list failed: %v", err)
	}
	if len(reservations) == 0 {
		return ok("No active reservations.")
	}
	return ok(pretty(reservations))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
