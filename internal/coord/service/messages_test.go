package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/coord/service"
	"github.com/beadhub/aweb/internal/hooks"
)

type stubMessageRepo struct {
	inserted []*model.Message
	inbox    []*model.Message
	ackErr   error
	ackAt    time.Time
	unread   int
}

func (s *stubMessageRepo) Insert(_ context.Context, m *model.Message) (*model.Message, error) {
	s.inserted = append(s.inserted, m)
	return m, nil
}

func (s *stubMessageRepo) Inbox(_ context.Context, _, _ uuid.UUID, _ bool, _ int) ([]*model.Message, error) {
	return s.inbox, nil
}

func (s *stubMessageRepo) Ack(_ context.Context, _, _, _ uuid.UUID) (time.Time, error) {
	if s.ackErr != nil {
		return time.Time{}, s.ackErr
	}
	return s.ackAt, nil
}

func (s *stubMessageRepo) UnreadCount(_ context.Context, _, _ uuid.UUID) (int, error) {
	return s.unread, nil
}

type stubMessageAgentRepo struct {
	byAlias map[string]*model.Agent
	byID    map[uuid.UUID]*model.Agent
}

func (s *stubMessageAgentRepo) GetByID(_ context.Context, _, agentID uuid.UUID) (*model.Agent, error) {
	a, ok := s.byID[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (s *stubMessageAgentRepo) GetLiveByAlias(_ context.Context, _ repository.Querier, _ uuid.UUID, alias string) (*model.Agent, error) {
	a, ok := s.byAlias[alias]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

type stubRotationRepo struct {
	pending map[uuid.UUID]*model.RotationAnnouncement
	acked   []uuid.UUID
}

func (s *stubRotationRepo) PendingForSenders(_ context.Context, _ []uuid.UUID, _ uuid.UUID) (map[uuid.UUID]*model.RotationAnnouncement, error) {
	if s.pending == nil {
		return map[uuid.UUID]*model.RotationAnnouncement{}, nil
	}
	return s.pending, nil
}

func (s *stubRotationRepo) Acknowledge(_ context.Context, _ repository.Querier, rotatedAgentID, _ uuid.UUID) error {
	s.acked = append(s.acked, rotatedAgentID)
	return nil
}

type mailFixture struct {
	svc      *service.MessageService
	messages *stubMessageRepo
	agents   *stubMessageAgentRepo
	rotation *stubRotationRepo
	project  *model.Project
	sender   *model.Agent
}

func newMailFixture() *mailFixture {
	f := &mailFixture{
		messages: &stubMessageRepo{},
		agents: &stubMessageAgentRepo{
			byAlias: map[string]*model.Agent{},
			byID:    map[uuid.UUID]*model.Agent{},
		},
		rotation: &stubRotationRepo{},
		project:  &model.Project{ID: uuid.New(), Slug: "acme/checkout"},
	}
	f.sender = &model.Agent{
		ID:        uuid.New(),
		ProjectID: f.project.ID,
		Alias:     "BlueLake",
		Status:    model.AgentStatusActive,
		Custody:   model.CustodySelf,
	}
	contacts := service.NewContactsService(newStubContactRepo(), &stubContactProjectRepo{
		bySlug: map[string]*model.Project{},
	}, zap.NewNop())
	f.svc = service.NewMessageService(f.messages, f.agents, f.rotation,
		contacts, nil, hooks.NewDispatcher(nil, zap.NewNop()), zap.NewNop())
	return f
}

func (f *mailFixture) addRecipient(alias string, mutate func(*model.Agent)) *model.Agent {
	a := &model.Agent{
		ID:         uuid.New(),
		ProjectID:  f.project.ID,
		Alias:      alias,
		Status:     model.AgentStatusActive,
		AccessMode: model.AccessModeOpen,
	}
	if mutate != nil {
		mutate(a)
	}
	f.agents.byAlias[alias] = a
	f.agents.byID[a.ID] = a
	return a
}

func TestMailSend_deliversAndAcksRotation(t *testing.T) {
	f := newMailFixture()
	recipient := f.addRecipient("RedPine", nil)

	msg, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "RedPine", Subject: "review", Body: "PTAL at #214",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ToAgentID != recipient.ID || msg.FromAlias != "BlueLake" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Priority != model.PriorityNormal {
		t.Errorf("priority defaulted to %q", msg.Priority)
	}
	if len(f.rotation.acked) != 1 || f.rotation.acked[0] != recipient.ID {
		t.Errorf("rotation acks = %v", f.rotation.acked)
	}
}

func TestMailSend_fromAliasMustMatch(t *testing.T) {
	f := newMailFixture()
	f.addRecipient("RedPine", nil)

	_, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "RedPine", Body: "hi", FromAlias: "SomeoneElse",
	})
	var validation *service.ErrValidation
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestMailSend_recipientNotFound(t *testing.T) {
	f := newMailFixture()

	_, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "NoSuchAgent", Body: "hi",
	})
	var notFound *service.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestMailSend_retiredRecipientPointsAtSuccessor(t *testing.T) {
	f := newMailFixture()
	successor := f.addRecipient("GoldFinch", nil)
	f.addRecipient("RedPine", func(a *model.Agent) {
		a.Status = model.AgentStatusRetired
		a.SuccessorID = &successor.ID
	})

	_, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "RedPine", Body: "hi",
	})
	var gone *service.ErrGone
	if !errors.As(err, &gone) {
		t.Fatalf("error = %v, want gone", err)
	}
	if gone.SuccessorAlias != "GoldFinch" {
		t.Errorf("successor_alias = %q, want GoldFinch", gone.SuccessorAlias)
	}
}

func TestMailSend_contactGateBlocksStrangers(t *testing.T) {
	f := newMailFixture()
	f.addRecipient("RedPine", func(a *model.Agent) {
		a.AccessMode = model.AccessModeContactsOnly
		a.ProjectID = uuid.New() // different project: the gate must consult contacts
	})

	_, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "RedPine", Body: "hi",
	})
	var forbidden *service.ErrForbidden
	if !errors.As(err, &forbidden) {
		t.Fatalf("error = %v, want forbidden", err)
	}
}

func TestMailSend_invalidPriority(t *testing.T) {
	f := newMailFixture()
	f.addRecipient("RedPine", nil)

	_, err := f.svc.Send(context.Background(), f.project, f.sender, service.SendParams{
		ToAlias: "RedPine", Body: "hi", Priority: model.Priority("asap"),
	})
	var validation *service.ErrValidation
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestInbox_attachesRotationAnnouncements(t *testing.T) {
	f := newMailFixture()
	rotated := uuid.New()
	plain := uuid.New()
	f.messages.inbox = []*model.Message{
		{ID: uuid.New(), FromAgentID: rotated, FromAlias: "RedPine", Body: "one"},
		{ID: uuid.New(), FromAgentID: plain, FromAlias: "GoldFinch", Body: "two"},
	}
	f.rotation.pending = map[uuid.UUID]*model.RotationAnnouncement{
		rotated: {AgentID: rotated},
	}

	items, err := f.svc.Inbox(context.Background(), f.project.ID, f.sender, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].RotationAnnouncement == nil {
		t.Error("rotated sender's message lacks announcement")
	}
	if items[1].RotationAnnouncement != nil {
		t.Error("plain sender's message carries an announcement")
	}
}

func TestAck_idempotentReadTime(t *testing.T) {
	f := newMailFixture()
	readAt := time.Now().UTC().Truncate(time.Millisecond)
	f.messages.ackAt = readAt

	got, err := f.svc.Ack(context.Background(), f.project.ID, f.sender, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(readAt) {
		t.Errorf("read_at = %v, want %v", got, readAt)
	}
}

func TestAck_notFound(t *testing.T) {
	f := newMailFixture()
	f.messages.ackErr = repository.ErrNotFound

	_, err := f.svc.Ack(context.Background(), f.project.ID, f.sender, uuid.New())
	var notFound *service.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestAck_someoneElsesMessageForbidden(t *testing.T) {
	f := newMailFixture()
	f.messages.ackErr = repository.ErrForbidden

	_, err := f.svc.Ack(context.Background(), f.project.ID, f.sender, uuid.New())
	var forbidden *service.ErrForbidden
	if !errors.As(err, &forbidden) {
		t.Fatalf("error = %v, want forbidden", err)
	}
}
