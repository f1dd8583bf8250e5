package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/beadhub/aweb/internal/presence"
)

// Registry stubs cover only what Resolve touches; everything else answers
// with the not-found sentinel.

type stubRegistryProjectRepo struct {
	bySlug map[string]*model.Project
}

func (s *stubRegistryProjectRepo) Ensure(_ context.Context, _ repository.Querier, _ *uuid.UUID, _, _ string, _ *uuid.UUID) (*model.Project, error) {
	return nil, repository.ErrNotFound
}

func (s *stubRegistryProjectRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Project, error) {
	for _, p := range s.bySlug {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRegistryProjectRepo) GetBySlug(_ context.Context, slug string) (*model.Project, error) {
	p, ok := s.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

type stubRegistryAgentRepo struct {
	agents []*model.Agent
}

func (s *stubRegistryAgentRepo) GetByID(_ context.Context, projectID, agentID uuid.UUID) (*model.Agent, error) {
	for _, a := range s.agents {
		if a.ProjectID == projectID && a.ID == agentID {
			return a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRegistryAgentRepo) GetLiveByAlias(_ context.Context, _ repository.Querier, projectID uuid.UUID, alias string) (*model.Agent, error) {
	for _, a := range s.agents {
		if a.ProjectID == projectID && a.Alias == alias {
			return a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubRegistryAgentRepo) ListByProject(_ context.Context, projectID uuid.UUID) ([]*model.Agent, error) {
	var out []*model.Agent
	for _, a := range s.agents {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubRegistryAgentRepo) ListLiveAliases(_ context.Context, _ repository.Querier, projectID uuid.UUID) ([]string, error) {
	var out []string
	for _, a := range s.agents {
		if a.ProjectID == projectID {
			out = append(out, a.Alias)
		}
	}
	return out, nil
}

func (s *stubRegistryAgentRepo) Create(_ context.Context, _ repository.Querier, a *model.Agent) (*model.Agent, error) {
	return a, nil
}

func (s *stubRegistryAgentRepo) UpdateAccessMode(_ context.Context, _, _ uuid.UUID, _ model.AccessMode) error {
	return nil
}

func (s *stubRegistryAgentRepo) AppendLog(_ context.Context, _ repository.Querier, _ *model.AgentLogEntry) error {
	return nil
}

func (s *stubRegistryAgentRepo) ListLog(_ context.Context, _, _ uuid.UUID) ([]*model.AgentLogEntry, error) {
	return nil, nil
}

func (s *stubRegistryAgentRepo) Rotate(_ context.Context, _ repository.RotationParams) (*model.Agent, error) {
	return nil, repository.ErrNotFound
}

func (s *stubRegistryAgentRepo) Retire(_ context.Context, _, _ uuid.UUID, _ *uuid.UUID, _ string) (*model.Agent, error) {
	return nil, repository.ErrNotFound
}

func (s *stubRegistryAgentRepo) Deregister(_ context.Context, _, _ uuid.UUID, _ string) (*model.Agent, error) {
	return nil, repository.ErrNotFound
}

type stubRegistryKeyRepo struct{}

func (stubRegistryKeyRepo) Create(_ context.Context, _ repository.Querier, projectID uuid.UUID, agentID *uuid.UUID, keyPrefix, keyHash string) (*model.APIKey, error) {
	return &model.APIKey{ID: uuid.New(), ProjectID: projectID, AgentID: agentID, KeyPrefix: keyPrefix, KeyHash: keyHash, IsActive: true}, nil
}

type resolveFixture struct {
	*authFixture
	router     *gin.Engine
	otherAgent *model.Agent
}

func newResolveFixture(t *testing.T) *resolveFixture {
	t.Helper()
	auth := newAuthFixture(t)

	otherProject := &model.Project{ID: uuid.New(), Slug: "beadhub/core", Name: "Core"}
	otherAgent := &model.Agent{
		ID:        uuid.New(),
		ProjectID: otherProject.ID,
		Alias:     "RedPine",
		DID:       "did:key:z6MkotherAgent",
		Custody:   model.CustodySelf,
		Status:    model.AgentStatusActive,
	}

	logger := zap.NewNop()
	projects := &stubRegistryProjectRepo{bySlug: map[string]*model.Project{
		auth.project.Slug: auth.project,
		otherProject.Slug: otherProject,
	}}
	agents := &stubRegistryAgentRepo{agents: []*model.Agent{auth.agent, otherAgent}}

	custody := service.NewCustodyService(nil, nil, logger)
	svc := service.NewIdentityService(nil, projects, agents, stubRegistryKeyRepo{}, custody,
		presence.NewStore(nil, time.Minute, logger), hooks.NewDispatcher(nil, logger), logger)

	router := gin.New()
	authed := router.Group("", auth.authn.Middleware())
	handler.NewAgentHandler(svc, logger).Register(authed)

	return &resolveFixture{authFixture: auth, router: router, otherAgent: otherAgent}
}

func TestResolve_requiresCredential(t *testing.T) {
	f := newResolveFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/agents/resolve/acme/checkout/BlueLake", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: resolve must not answer unauthenticated callers", w.Code)
	}
}

func TestResolve_crossTenantWithAnyCredential(t *testing.T) {
	f := newResolveFixture(t)

	// BlueLake's key belongs to acme/checkout; resolving an agent in
	// beadhub/core still works, since resolve is cross-tenant.
	req := httptest.NewRequest(http.MethodGet, "/agents/resolve/beadhub/core/RedPine", nil)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		ProjectSlug string `json:"project_slug"`
		Alias       string `json:"alias"`
		AgentID     string `json:"agent_id"`
		DID         string `json:"did"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ProjectSlug != "beadhub/core" || body.Alias != "RedPine" || body.AgentID != f.otherAgent.ID.String() {
		t.Errorf("body = %+v", body)
	}
	if body.DID != f.otherAgent.DID {
		t.Errorf("did = %q", body.DID)
	}
}
