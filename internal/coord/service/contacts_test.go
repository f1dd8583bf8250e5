package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/coord/service"
)

type stubContactRepo struct {
	mu       sync.Mutex
	contacts map[string]*model.Contact // keyed by address
}

func newStubContactRepo() *stubContactRepo {
	return &stubContactRepo{contacts: make(map[string]*model.Contact)}
}

func (s *stubContactRepo) Create(_ context.Context, projectID uuid.UUID, address, label string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[address]; ok {
		return nil, repository.ErrDuplicate
	}
	c := &model.Contact{ID: uuid.New(), ProjectID: projectID, Address: address, Label: label}
	s.contacts[address] = c
	return c, nil
}

func (s *stubContactRepo) List(_ context.Context, _ uuid.UUID) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		copied := *c
		out = append(out, &copied)
	}
	return out, nil
}

func (s *stubContactRepo) Delete(_ context.Context, _, contactID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, c := range s.contacts {
		if c.ID == contactID {
			delete(s.contacts, addr)
			return nil
		}
	}
	return nil
}

func (s *stubContactRepo) ExistsForAddresses(_ context.Context, _ uuid.UUID, exact, org string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hasExact := s.contacts[exact]
	_, hasOrg := s.contacts[org]
	return hasExact || hasOrg, nil
}

type stubContactProjectRepo struct {
	bySlug map[string]*model.Project
}

func (s *stubContactProjectRepo) GetBySlug(_ context.Context, slug string) (*model.Project, error) {
	p, ok := s.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func newContactsService(repo *stubContactRepo, projects *stubContactProjectRepo) *service.ContactsService {
	if projects == nil {
		projects = &stubContactProjectRepo{bySlug: map[string]*model.Project{}}
	}
	return service.NewContactsService(repo, projects, zap.NewNop())
}

func TestContactAdd_validatesAddress(t *testing.T) {
	svc := newContactsService(newStubContactRepo(), nil)
	project := &model.Project{ID: uuid.New(), Slug: "acme/checkout"}

	for _, addr := range []string{"", "   ", "bad addr", "org:agent"} {
		_, err := svc.Add(context.Background(), project, addr, "")
		var validation *service.ErrValidation
		if !errors.As(err, &validation) {
			t.Errorf("address %q: error = %v, want validation", addr, err)
		}
	}
}

func TestContactAdd_rejectsSelf(t *testing.T) {
	svc := newContactsService(newStubContactRepo(), nil)
	project := &model.Project{ID: uuid.New(), Slug: "acme/checkout"}

	for _, addr := range []string{"acme/checkout", "acme/checkout/BlueLake"} {
		_, err := svc.Add(context.Background(), project, addr, "")
		var bad *service.ErrBadRequest
		if !errors.As(err, &bad) {
			t.Errorf("address %q: error = %v, want bad request", addr, err)
		}
	}
}

func TestContactAdd_duplicateConflicts(t *testing.T) {
	svc := newContactsService(newStubContactRepo(), nil)
	project := &model.Project{ID: uuid.New(), Slug: "acme/checkout"}

	if _, err := svc.Add(context.Background(), project, "partner/ops", "ops team"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := svc.Add(context.Background(), project, "partner/ops", "")
	var conflict *service.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want conflict", err)
	}
}

func TestCheckAccess_openAgentAdmitsAnyone(t *testing.T) {
	svc := newContactsService(newStubContactRepo(), nil)
	target := &model.Agent{ID: uuid.New(), ProjectID: uuid.New(), AccessMode: model.AccessModeOpen}

	ok, err := svc.CheckAccess(context.Background(), target, "stranger/agent")
	if err != nil || !ok {
		t.Fatalf("CheckAccess = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestCheckAccess_sameProjectAdmitted(t *testing.T) {
	projectID := uuid.New()
	projects := &stubContactProjectRepo{bySlug: map[string]*model.Project{
		"acme": {ID: projectID, Slug: "acme"},
	}}
	svc := newContactsService(newStubContactRepo(), projects)
	target := &model.Agent{ID: uuid.New(), ProjectID: projectID, AccessMode: model.AccessModeContactsOnly}

	ok, err := svc.CheckAccess(context.Background(), target, "acme/BlueLake")
	if err != nil || !ok {
		t.Fatalf("CheckAccess = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestCheckAccess_contactListDecides(t *testing.T) {
	repo := newStubContactRepo()
	svc := newContactsService(repo, nil)
	target := &model.Agent{ID: uuid.New(), ProjectID: uuid.New(), AccessMode: model.AccessModeContactsOnly}

	ok, err := svc.CheckAccess(context.Background(), target, "partner/ops")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unlisted sender admitted")
	}

	// Org-level entry admits every agent under that org.
	repo.contacts["partner"] = &model.Contact{ID: uuid.New(), Address: "partner"}
	ok, err = svc.CheckAccess(context.Background(), target, "partner/ops")
	if err != nil || !ok {
		t.Fatalf("CheckAccess after org entry = (%v, %v), want (true, nil)", ok, err)
	}
}
