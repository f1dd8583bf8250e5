package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

type stubMailRepo struct {
	mu             sync.Mutex
	stored         []*model.Message
	ackErr         error
	lastUnreadOnly bool
}

func (s *stubMailRepo) Insert(_ context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, m)
	return m, nil
}

func (s *stubMailRepo) Inbox(_ context.Context, _, agentID uuid.UUID, unreadOnly bool, _ int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUnreadOnly = unreadOnly
	var out []*model.Message
	for _, m := range s.stored {
		if m.ToAgentID == agentID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *stubMailRepo) Ack(_ context.Context, _, _, _ uuid.UUID) (time.Time, error) {
	if s.ackErr != nil {
		return time.Time{}, s.ackErr
	}
	return time.Now().UTC(), nil
}

func (s *stubMailRepo) UnreadCount(_ context.Context, _, _ uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored), nil
}

type stubMailAgentRepo struct {
	byAlias map[string]*model.Agent
	byID    map[uuid.UUID]*model.Agent
}

func (s *stubMailAgentRepo) GetByID(_ context.Context, _, agentID uuid.UUID) (*model.Agent, error) {
	a, ok := s.byID[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (s *stubMailAgentRepo) GetLiveByAlias(_ context.Context, _ repository.Querier, _ uuid.UUID, alias string) (*model.Agent, error) {
	a, ok := s.byAlias[alias]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

type stubMailRotationRepo struct{}

func (stubMailRotationRepo) PendingForSenders(_ context.Context, _ []uuid.UUID, _ uuid.UUID) (map[uuid.UUID]*model.RotationAnnouncement, error) {
	return map[uuid.UUID]*model.RotationAnnouncement{}, nil
}

func (stubMailRotationRepo) Acknowledge(_ context.Context, _ repository.Querier, _, _ uuid.UUID) error {
	return nil
}

type stubMailContactRepo struct{}

func (stubMailContactRepo) Create(_ context.Context, _ uuid.UUID, _, _ string) (*model.Contact, error) {
	return nil, repository.ErrDuplicate
}

func (stubMailContactRepo) List(_ context.Context, _ uuid.UUID) ([]*model.Contact, error) {
	return nil, nil
}

func (stubMailContactRepo) Delete(_ context.Context, _, _ uuid.UUID) error { return nil }

func (stubMailContactRepo) ExistsForAddresses(_ context.Context, _ uuid.UUID, _, _ string) (bool, error) {
	return false, nil
}

type mailHandlerFixture struct {
	*authFixture
	router     *gin.Engine
	mail       *stubMailRepo
	mailAgents *stubMailAgentRepo
	recipient  *model.Agent
}

func newMailHandlerFixture(t *testing.T) *mailHandlerFixture {
	t.Helper()
	auth := newAuthFixture(t)

	recipient := &model.Agent{
		ID:         uuid.New(),
		ProjectID:  auth.project.ID,
		Alias:      "RedPine",
		Status:     model.AgentStatusActive,
		AccessMode: model.AccessModeOpen,
	}

	mail := &stubMailRepo{}
	agents := &stubMailAgentRepo{
		byAlias: map[string]*model.Agent{
			auth.agent.Alias: auth.agent,
			recipient.Alias:  recipient,
		},
		byID: map[uuid.UUID]*model.Agent{
			auth.agent.ID: auth.agent,
			recipient.ID:  recipient,
		},
	}
	logger := zap.NewNop()
	contacts := service.NewContactsService(stubMailContactRepo{}, auth.projects, logger)
	svc := service.NewMessageService(mail, agents, stubMailRotationRepo{}, contacts, nil,
		hooks.NewDispatcher(nil, logger), logger)

	router := gin.New()
	authed := router.Group("", auth.authn.Middleware())
	handler.NewMessageHandler(svc, logger).Register(authed)

	return &mailHandlerFixture{
		authFixture: auth,
		router:      router,
		mail:        mail,
		mailAgents:  agents,
		recipient:   recipient,
	}
}

func (f *mailHandlerFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSendMessage_created(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodPost, "/messages", gin.H{
		"to":       "RedPine",
		"subject":  "review",
		"body":     "PTAL at #214",
		"priority": "high",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var msg model.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.FromAlias != "BlueLake" || msg.Priority != model.PriorityHigh {
		t.Errorf("message = %+v", msg)
	}
	if len(f.mail.stored) != 1 {
		t.Errorf("stored = %d messages", len(f.mail.stored))
	}
}

func TestSendMessage_missingBody(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodPost, "/messages", gin.H{"to": "RedPine"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_unknownRecipient(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodPost, "/messages", gin.H{"to": "NoSuchAgent", "body": "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_retiredRecipientGone(t *testing.T) {
	f := newMailHandlerFixture(t)
	f.recipient.Status = model.AgentStatusRetired
	successor := &model.Agent{
		ID:        uuid.New(),
		ProjectID: f.project.ID,
		Alias:     "GoldFinch",
		Status:    model.AgentStatusActive,
	}
	f.recipient.SuccessorID = &successor.ID
	f.mailAgents.byID[successor.ID] = successor

	w := f.request(t, http.MethodPost, "/messages", gin.H{"to": "RedPine", "body": "hi"})
	if w.Code != http.StatusGone {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "GoldFinch") {
		t.Errorf("body = %s, want successor_alias", w.Body.String())
	}
}

func TestInbox_listsReceivedMail(t *testing.T) {
	f := newMailHandlerFixture(t)
	f.mail.stored = []*model.Message{
		{ID: uuid.New(), ToAgentID: f.agent.ID, FromAlias: "RedPine", Body: "one"},
		{ID: uuid.New(), ToAgentID: f.recipient.ID, FromAlias: "BlueLake", Body: "not mine"},
	}

	w := f.request(t, http.MethodGet, "/messages/inbox", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Messages []json.RawMessage `json:"messages"`
		Count    int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Messages) != 1 {
		t.Errorf("count = %d, messages = %d", body.Count, len(body.Messages))
	}
}

func TestInbox_defaultIncludesReadMail(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodGet, "/messages/inbox", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if f.mail.lastUnreadOnly {
		t.Error("plain inbox request filtered to unread only")
	}

	w = f.request(t, http.MethodGet, "/messages/inbox?unread_only=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !f.mail.lastUnreadOnly {
		t.Error("unread_only=true did not narrow the inbox")
	}
}

func TestAck_invalidID(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodPost, "/messages/not-a-uuid/ack", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAck_unknownMessage(t *testing.T) {
	f := newMailHandlerFixture(t)
	f.mail.ackErr = repository.ErrNotFound

	w := f.request(t, http.MethodPost, "/messages/"+uuid.NewString()+"/ack", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAck_someoneElsesMessage(t *testing.T) {
	f := newMailHandlerFixture(t)
	f.mail.ackErr = repository.ErrForbidden

	w := f.request(t, http.MethodPost, "/messages/"+uuid.NewString()+"/ack", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Not authorized") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAck_acknowledged(t *testing.T) {
	f := newMailHandlerFixture(t)

	w := f.request(t, http.MethodPost, "/messages/"+uuid.NewString()+"/ack", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "acknowledged" {
		t.Errorf("body = %v", body)
	}
}
