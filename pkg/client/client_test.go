package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInit_storesAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/init" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req InitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ProjectSlug != "acme/checkout" {
			t.Errorf("project_slug = %q", req.ProjectSlug)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"agent_id": "3f2a", "alias": "BlueLake", "api_key": "aw_sk_abc", "created": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Init(context.Background(), InitRequest{ProjectSlug: "acme/checkout"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Alias != "BlueLake" {
		t.Errorf("unexpected result: %+v", res)
	}
	if c.apiKey != "aw_sk_abc" {
		t.Errorf("api key not stored, got %q", c.apiKey)
	}
}

func TestDo_attachesBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"mode": "bearer", "project_slug": "acme"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("aw_sk_test"))
	ident, err := c.WhoAmI(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "Bearer aw_sk_test" {
		t.Errorf("Authorization = %q", got)
	}
	if ident.ProjectSlug != "acme" {
		t.Errorf("project_slug = %q", ident.ProjectSlug)
	}
}

func TestDo_decodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":        "Resource already reserved",
			"holder_alias": "RedPine",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("aw_sk_test"))
	_, err := c.Reserve(context.Background(), "src/main.go", 300)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type %T", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "Resource already reserved" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if apiErr.Body["holder_alias"] != "RedPine" {
		t.Errorf("extras not captured: %v", apiErr.Body)
	}
}

func TestInbox_queryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("unread_only") != "true" || q.Get("limit") != "10" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{{"message_id": "m1", "body": "hi", "from_alias": "RedPine"}},
			"count":    1,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("aw_sk_test"))
	items, err := c.Inbox(context.Background(), true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].FromAlias != "RedPine" {
		t.Errorf("items = %+v", items)
	}
}

func TestChatOpen_sendsAliasList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		to, ok := req["to"].([]any)
		if !ok || len(to) != 2 {
			t.Errorf("to = %v", req["to"])
		}
		if req["hang_on"] != true {
			t.Errorf("hang_on missing: %v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":   "s1",
			"participants": []string{"BlueLake", "RedPine", "me"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("aw_sk_test"))
	res, err := c.ChatOpen(context.Background(), []string{"BlueLake", "RedPine"}, "ping", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "s1" || len(res.Participants) != 3 {
		t.Errorf("res = %+v", res)
	}
}
