// Package client provides the Go SDK for the aweb coordination service:
// agent bootstrap, mail, chat sessions, and resource reservations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the service, decoded when possible.
type APIError struct {
	Status  int
	Message string
	// Body holds any extra fields the service returned alongside the
	// error, e.g. holder details on a reservation conflict.
	Body map[string]any
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("aweb: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("aweb: HTTP %d", e.Status)
}

// Client is the aweb SDK entry point. Methods are safe for concurrent use.
type Client struct {
	base       string
	apiKey     string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey attaches an agent API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a Client. base is the service root, e.g. "http://localhost:8080";
// the /v1 prefix is appended automatically.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetAPIKey replaces the credential, e.g. after Init returns a fresh key.
func (c *Client) SetAPIKey(key string) { c.apiKey = key }

// ── Bootstrap ────────────────────────────────────────────────────────────

// InitRequest registers (or re-attaches to) an agent identity.
type InitRequest struct {
	ProjectSlug string `json:"project_slug"`
	ProjectName string `json:"project_name,omitempty"`
	Alias       string `json:"alias,omitempty"`
	HumanName   string `json:"human_name,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
	Custody     string `json:"custody,omitempty"`
	DID         string `json:"did,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Lifetime    string `json:"lifetime,omitempty"`
}

// InitResult is the bootstrap response. APIKey is shown exactly once.
type InitResult struct {
	AgentID     string `json:"agent_id"`
	Alias       string `json:"alias"`
	ProjectID   string `json:"project_id"`
	ProjectSlug string `json:"project_slug"`
	DID         string `json:"did"`
	Custody     string `json:"custody"`
	Lifetime    string `json:"lifetime"`
	APIKey      string `json:"api_key"`
	Created     bool   `json:"created"`
}

// Init bootstraps an identity and remembers the returned API key for
// subsequent calls.
func (c *Client) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	var res InitResult
	if err := c.post(ctx, "/init", req, &res); err != nil {
		return nil, err
	}
	if res.APIKey != "" {
		c.apiKey = res.APIKey
	}
	return &res, nil
}

// Identity describes the authenticated caller, per GET /auth/introspect.
type Identity struct {
	Mode        string `json:"mode"`
	ProjectID   string `json:"project_id"`
	ProjectSlug string `json:"project_slug"`
	Principal   string `json:"principal,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Alias       string `json:"alias,omitempty"`
	HumanName   string `json:"human_name,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
}

// WhoAmI returns the identity bound to the client's credential.
func (c *Client) WhoAmI(ctx context.Context) (*Identity, error) {
	var res Identity
	if err := c.get(ctx, "/auth/introspect", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Heartbeat refreshes the caller's presence record.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/agents/heartbeat", struct{}{}, nil)
}

// ── Mail ─────────────────────────────────────────────────────────────────

// Message is one mail item.
type Message struct {
	ID        string     `json:"message_id"`
	FromAlias string     `json:"from_alias"`
	Subject   string     `json:"subject,omitempty"`
	Body      string     `json:"body"`
	Priority  string     `json:"priority"`
	ThreadID  string     `json:"thread_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// InboxItem is a mail item plus any pending rotation announcement from its
// sender.
type InboxItem struct {
	Message
	RotationAnnouncement map[string]any `json:"rotation_announcement,omitempty"`
}

// SendMessageRequest delivers mail to a teammate by alias.
type SendMessageRequest struct {
	To       string `json:"to"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// SendMessage posts mail.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var res Message
	if err := c.post(ctx, "/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Inbox lists the caller's mail, unread first by priority.
func (c *Client) Inbox(ctx context.Context, unreadOnly bool, limit int) ([]InboxItem, error) {
	q := url.Values{}
	q.Set("unread_only", strconv.FormatBool(unreadOnly))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []InboxItem `json:"messages"`
	}
	if err := c.get(ctx, "/messages/inbox", q, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// AckMessage marks one mail item read.
func (c *Client) AckMessage(ctx context.Context, messageID string) error {
	return c.post(ctx, "/messages/"+url.PathEscape(messageID)+"/ack", struct{}{}, nil)
}

// ── Chat ─────────────────────────────────────────────────────────────────

// ChatMessage is one message inside a chat session.
type ChatMessage struct {
	ID        string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	FromAlias string    `json:"from_alias"`
	Body      string    `json:"body"`
	HangOn    bool      `json:"hang_on"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatOpenResult is the response to opening a session.
type ChatOpenResult struct {
	SessionID      string       `json:"session_id"`
	Participants   []string     `json:"participants"`
	Message        *ChatMessage `json:"message,omitempty"`
	TargetsWaiting []string     `json:"targets_waiting,omitempty"`
	TargetsLeft    []string     `json:"targets_left,omitempty"`
}

// ChatOpen finds or creates the session shared with the given aliases and
// optionally sends a first message.
func (c *Client) ChatOpen(ctx context.Context, to []string, message string, hangOn bool) (*ChatOpenResult, error) {
	req := map[string]any{"to": to}
	if message != "" {
		req["message"] = message
	}
	if hangOn {
		req["hang_on"] = true
	}
	var res ChatOpenResult
	if err := c.post(ctx, "/chat/sessions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ChatSendResult is the response to sending into an existing session.
type ChatSendResult struct {
	Message        *ChatMessage `json:"message"`
	TargetsWaiting []string     `json:"targets_waiting,omitempty"`
	TargetsLeft    []string     `json:"targets_left,omitempty"`
}

// ChatSend delivers a message into an existing session.
func (c *Client) ChatSend(ctx context.Context, sessionID, message string, senderLeaving, hangOn bool) (*ChatSendResult, error) {
	req := map[string]any{"message": message}
	if senderLeaving {
		req["sender_leaving"] = true
	}
	if hangOn {
		req["hang_on"] = true
	}
	var res ChatSendResult
	if err := c.post(ctx, "/chat/sessions/"+url.PathEscape(sessionID)+"/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ChatHistory fetches session messages, oldest first.
func (c *Client) ChatHistory(ctx context.Context, sessionID string, unreadOnly bool, limit int) ([]ChatMessage, error) {
	q := url.Values{}
	q.Set("unread_only", strconv.FormatBool(unreadOnly))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := c.get(ctx, "/chat/sessions/"+url.PathEscape(sessionID)+"/messages", q, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// ChatMarkRead advances the caller's read cursor and returns how many
// messages it covered.
func (c *Client) ChatMarkRead(ctx context.Context, sessionID, upToMessageID string) (int, error) {
	var res struct {
		Marked int `json:"messages_marked"`
	}
	err := c.post(ctx, "/chat/sessions/"+url.PathEscape(sessionID)+"/read",
		map[string]string{"up_to_message_id": upToMessageID}, &res)
	return res.Marked, err
}

// PendingSession summarizes one session with unread chat.
type PendingSession struct {
	SessionID          string   `json:"session_id"`
	Participants       []string `json:"participants"`
	LastMessageFrom    string   `json:"last_message_from"`
	LastMessagePreview string   `json:"last_message_preview"`
	MessagesWaiting    int      `json:"messages_waiting"`
	SenderWaiting      bool     `json:"sender_waiting"`
}

// PendingResult answers "is anything waiting for me?" in one call.
type PendingResult struct {
	Pending    []PendingSession `json:"pending"`
	MailUnread int              `json:"mail_unread"`
}

// ChatPending lists sessions with unread messages plus the unread mail count.
func (c *Client) ChatPending(ctx context.Context) (*PendingResult, error) {
	var res PendingResult
	if err := c.get(ctx, "/chat/pending", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ── Reservations ─────────────────────────────────────────────────────────

// Reservation is one advisory hold on a resource key.
type Reservation struct {
	ResourceKey string    `json:"resource_key"`
	HolderAlias string    `json:"holder_alias"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Reserve acquires (or re-acquires) a TTL hold on resourceKey.
func (c *Client) Reserve(ctx context.Context, resourceKey string, ttlSeconds int) (*Reservation, error) {
	req := map[string]any{"resource_key": resourceKey}
	if ttlSeconds > 0 {
		req["ttl_seconds"] = ttlSeconds
	}
	var res Reservation
	if err := c.post(ctx, "/reservations", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReleaseReservation drops the caller's hold. Unheld keys release cleanly.
func (c *Client) ReleaseReservation(ctx context.Context, resourceKey string) error {
	return c.post(ctx, "/reservations/release", map[string]string{"resource_key": resourceKey}, nil)
}

// ListReservations returns active holds in the project, optionally filtered
// by key prefix.
func (c *Client) ListReservations(ctx context.Context, prefix string) ([]Reservation, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	var res struct {
		Reservations []Reservation `json:"reservations"`
	}
	if err := c.get(ctx, "/reservations", q, &res); err != nil {
		return nil, err
	}
	return res.Reservations, nil
}

// ── Transport ────────────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes the request, attaching the API key, and decodes the response
// into out when non-nil. Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var decoded map[string]any
		if json.Unmarshal(body, &decoded) == nil {
			if msg, ok := decoded["error"].(string); ok {
				apiErr.Message = msg
			}
			delete(decoded, "error")
			if len(decoded) > 0 {
				apiErr.Body = decoded
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
