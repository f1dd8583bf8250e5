package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookEvent is the wire form posted to a configured hook URL.
type WebhookEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// WebhookForwarder posts mutation events to a single HTTP endpoint, signing
// the body with HMAC-SHA256 when a secret is configured.
type WebhookForwarder struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookForwarder creates a forwarder for the given endpoint.
func NewWebhookForwarder(url, secret string) *WebhookForwarder {
	return &WebhookForwarder{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Callback adapts the forwarder to the Dispatcher seam.
func (f *WebhookForwarder) Callback() Callback {
	return func(ctx context.Context, event Event, payload map[string]any) error {
		return f.deliver(ctx, event, payload)
	}
}

func (f *WebhookForwarder) deliver(ctx context.Context, event Event, payload map[string]any) error {
	body, err := json.Marshal(WebhookEvent{
		Type:      string(event),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set("X-Aweb-Signature", signPayload(body, f.secret))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes an HMAC-SHA256 signature over the body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
