package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/handler"
	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/coord/service"
	"github.com/beadhub/aweb/internal/hooks"
)

// stubResRepo is an in-memory first-wins reservation store.
type stubResRepo struct {
	mu   sync.Mutex
	held map[string]*model.Reservation
}

func newStubResRepo() *stubResRepo {
	return &stubResRepo{held: make(map[string]*model.Reservation)}
}

func (s *stubResRepo) Acquire(_ context.Context, projectID, agentID uuid.UUID, holderAlias, resourceKey string, ttl time.Duration, metadata map[string]any) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.held[resourceKey]; ok && cur.ExpiresAt.After(time.Now()) {
		return nil, &repository.ErrHeldByOther{
			HolderAgentID: cur.HolderAgentID,
			HolderAlias:   cur.HolderAlias,
			ExpiresAt:     cur.ExpiresAt,
		}
	}
	r := &model.Reservation{
		ProjectID:     projectID,
		ResourceKey:   resourceKey,
		HolderAgentID: agentID,
		HolderAlias:   holderAlias,
		Metadata:      metadata,
		ExpiresAt:     time.Now().Add(ttl),
	}
	s.held[resourceKey] = r
	return r, nil
}

func (s *stubResRepo) Renew(_ context.Context, _, agentID uuid.UUID, resourceKey string, ttl time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[resourceKey]
	if !ok {
		return time.Time{}, repository.ErrNotFound
	}
	if cur.HolderAgentID != agentID {
		return time.Time{}, &repository.ErrHeldByOther{
			HolderAgentID: cur.HolderAgentID,
			HolderAlias:   cur.HolderAlias,
			ExpiresAt:     cur.ExpiresAt,
		}
	}
	cur.ExpiresAt = time.Now().Add(ttl)
	return cur.ExpiresAt, nil
}

func (s *stubResRepo) Release(_ context.Context, _, agentID uuid.UUID, resourceKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[resourceKey]
	if !ok || cur.HolderAgentID != agentID {
		return false, nil
	}
	delete(s.held, resourceKey)
	return true, nil
}

func (s *stubResRepo) Revoke(_ context.Context, _ uuid.UUID, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.held {
		if prefix == "" || len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.held, key)
			n++
		}
	}
	return n, nil
}

func (s *stubResRepo) List(_ context.Context, _ uuid.UUID, _ string) ([]*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Reservation
	for _, r := range s.held {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

type reservationFixture struct {
	*authFixture
	router *gin.Engine
	repo   *stubResRepo
}

func newReservationFixture(t *testing.T) *reservationFixture {
	t.Helper()
	auth := newAuthFixture(t)
	repo := newStubResRepo()
	logger := zap.NewNop()
	svc := service.NewReservationService(repo, hooks.NewDispatcher(nil, logger), logger)

	router := gin.New()
	authed := router.Group("", auth.authn.Middleware())
	handler.NewReservationHandler(svc, logger).Register(authed)

	return &reservationFixture{authFixture: auth, router: router, repo: repo}
}

func (f *reservationFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAcquire_created(t *testing.T) {
	f := newReservationFixture(t)

	w := f.post(t, "/reservations", gin.H{"resource_key": "src/cart/totals.go", "ttl_seconds": 600})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var r model.Reservation
	if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.HolderAlias != "BlueLake" || r.ResourceKey != "src/cart/totals.go" {
		t.Errorf("reservation = %+v", r)
	}
}

func TestAcquire_conflictNamesHolder(t *testing.T) {
	f := newReservationFixture(t)
	other := uuid.New()
	f.repo.held["src/a.go"] = &model.Reservation{
		ResourceKey:   "src/a.go",
		HolderAgentID: other,
		HolderAlias:   "RedPine",
		ExpiresAt:     time.Now().Add(time.Hour),
	}

	w := f.post(t, "/reservations", gin.H{"resource_key": "src/a.go"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["holder_alias"] != "RedPine" || body["resource_key"] != "src/a.go" {
		t.Errorf("body = %v", body)
	}
}

func TestRenew_ownHold(t *testing.T) {
	f := newReservationFixture(t)
	if w := f.post(t, "/reservations", gin.H{"resource_key": "src/a.go"}); w.Code != http.StatusCreated {
		t.Fatalf("setup acquire: %d", w.Code)
	}

	w := f.post(t, "/reservations/renew", gin.H{"resource_key": "src/a.go", "ttl_seconds": 900})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "renewed" || body["expires_at"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestRenew_missingHold(t *testing.T) {
	f := newReservationFixture(t)

	w := f.post(t, "/reservations/renew", gin.H{"resource_key": "src/a.go"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestRelease_idempotentStatuses(t *testing.T) {
	f := newReservationFixture(t)
	if w := f.post(t, "/reservations", gin.H{"resource_key": "src/a.go"}); w.Code != http.StatusCreated {
		t.Fatalf("setup acquire: %d", w.Code)
	}

	w := f.post(t, "/reservations/release", gin.H{"resource_key": "src/a.go"})
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || body["status"] != "released" {
		t.Fatalf("first release: %d %v", w.Code, body)
	}

	w = f.post(t, "/reservations/release", gin.H{"resource_key": "src/a.go"})
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || body["status"] != "not_held" {
		t.Fatalf("second release: %d %v", w.Code, body)
	}
}

func TestRevoke_clearsByPrefix(t *testing.T) {
	f := newReservationFixture(t)
	now := time.Now().Add(time.Hour)
	f.repo.held["src/a.go"] = &model.Reservation{ResourceKey: "src/a.go", HolderAlias: "RedPine", ExpiresAt: now}
	f.repo.held["src/b.go"] = &model.Reservation{ResourceKey: "src/b.go", HolderAlias: "RedPine", ExpiresAt: now}
	f.repo.held["deploy/staging"] = &model.Reservation{ResourceKey: "deploy/staging", HolderAlias: "GoldFinch", ExpiresAt: now}

	w := f.post(t, "/reservations/revoke", gin.H{"prefix": "src/"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	if _, ok := f.repo.held["deploy/staging"]; !ok {
		t.Error("revoke removed a key outside the prefix")
	}
}

func TestList_neverNil(t *testing.T) {
	f := newReservationFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/reservations", nil)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Reservations []json.RawMessage `json:"reservations"`
		Count        int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Reservations == nil || body.Count != 0 {
		t.Errorf("body = %s", w.Body.String())
	}
}
