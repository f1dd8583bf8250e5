package hooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestFire_nilDispatcherAndCallback(t *testing.T) {
	var d *Dispatcher
	d.Fire(context.Background(), EventMessageSent, nil) // must not panic

	NewDispatcher(nil, zap.NewNop()).Fire(context.Background(), EventMessageSent, nil)
}

func TestFire_recoversPanic(t *testing.T) {
	d := NewDispatcher(func(context.Context, Event, map[string]any) error {
		panic("listener bug")
	}, zap.NewNop())

	d.Fire(context.Background(), EventAgentCreated, map[string]any{"alias": "BlueLake"})
}

func TestFire_errorDoesNotPropagate(t *testing.T) {
	d := NewDispatcher(func(context.Context, Event, map[string]any) error {
		return errors.New("endpoint down")
	}, zap.NewNop())

	d.Fire(context.Background(), EventReservationAcquired, nil)
}

func TestWebhookForwarder_signsBody(t *testing.T) {
	const secret = "hook-secret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Aweb-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.URL, secret)
	if err := f.Callback()(context.Background(), EventChatMessageSent, map[string]any{"session_id": "abc"}); err != nil {
		t.Fatal(err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var event WebhookEvent
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != "chat.message_sent" || event.Payload["session_id"] != "abc" {
		t.Errorf("event = %+v", event)
	}
}

func TestWebhookForwarder_non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.URL, "")
	err := f.Callback()(context.Background(), EventMessageSent, nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want HTTP 502", err)
	}
}
