package mcpbridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beadhub/aweb/internal/mcpbridge"
	"github.com/beadhub/aweb/pkg/client"
)

// fakeCoordinator serves the handful of chat endpoints chat_send_and_wait
// touches, handing out one queued message batch per history poll.
type fakeCoordinator struct {
	mu      sync.Mutex
	batches [][]client.ChatMessage
	marked  int
}

func (f *fakeCoordinator) nextBatch() []client.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch
}

func (f *fakeCoordinator) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/chat/sessions":
			json.NewEncoder(w).Encode(map[string]any{
				"session_id":   "af9f2f60-0000-4000-8000-000000000001",
				"participants": []string{"BlueLake", "RedPine"},
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/chat/sessions/") && strings.HasSuffix(r.URL.Path, "/messages"):
			msgs := f.nextBatch()
			if msgs == nil {
				msgs = []client.ChatMessage{}
			}
			json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/chat/sessions/") && strings.HasSuffix(r.URL.Path, "/read"):
			f.mu.Lock()
			f.marked++
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"messages_marked": 1})
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func chatMsg(id, from, body string, hangOn bool) client.ChatMessage {
	return client.ChatMessage{
		ID: id, FromAlias: from, Body: body, HangOn: hangOn,
		CreatedAt: time.Now().UTC(),
	}
}

func TestChatSendAndWait_mixedBatchReturnsRealReply(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the poll interval")
	}
	fake := &fakeCoordinator{batches: [][]client.ChatMessage{{
		chatMsg("m1", "RedPine", "looks good, merging now", false),
		chatMsg("m2", "RedPine", "one sec, double-checking CI", true),
	}}}
	srv := fake.server(t)

	r := mcpbridge.NewToolRegistry(client.New(srv.URL, client.WithAPIKey("aw_sk_test")))
	out, isErr := r.Call(context.Background(), "chat_send_and_wait",
		json.RawMessage(`{"to":["RedPine"],"message":"can I merge #214?","timeout_seconds":5}`))

	if isErr {
		t.Fatalf("tool failed: %s", out)
	}
	if !strings.Contains(out, "looks good, merging now") {
		t.Errorf("real reply missing from a batch that also carried hang_on:\n%s", out)
	}
	if strings.Contains(out, "No reply after") {
		t.Errorf("reported timeout despite a real reply:\n%s", out)
	}
}

func TestChatSendAndWait_hangOnBatchesKeepExtending(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the poll interval")
	}
	fake := &fakeCoordinator{batches: [][]client.ChatMessage{
		{chatMsg("m1", "RedPine", "hang on", true)},
		{chatMsg("m2", "RedPine", "done, answer is 42", false)},
	}}
	srv := fake.server(t)

	r := mcpbridge.NewToolRegistry(client.New(srv.URL, client.WithAPIKey("aw_sk_test")))
	start := time.Now()
	out, isErr := r.Call(context.Background(), "chat_send_and_wait",
		json.RawMessage(`{"to":["RedPine"],"message":"still there?","timeout_seconds":3}`))

	if isErr {
		t.Fatalf("tool failed: %s", out)
	}
	// The real reply lands on the second poll, past the requested timeout;
	// the hang_on batch must have kept the wait alive.
	if !strings.Contains(out, "done, answer is 42") {
		t.Errorf("reply after a hang_on extension was lost:\n%s", out)
	}
	if elapsed := time.Since(start); elapsed < 3*time.Second {
		t.Errorf("returned after %v, before the second poll could run", elapsed)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.marked != 2 {
		t.Errorf("mark-read calls = %d, want one per batch", fake.marked)
	}
}
