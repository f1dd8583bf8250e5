package handler_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/handler"
	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/coord/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuthKeyRepo struct {
	byHash map[string]*model.APIKey
}

func (s *stubAuthKeyRepo) GetActiveByHash(_ context.Context, keyHash string) (*model.APIKey, error) {
	k, ok := s.byHash[keyHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return k, nil
}

func (s *stubAuthKeyRepo) TouchLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

type stubAuthAgentRepo struct {
	byID    map[uuid.UUID]*model.Agent
	byAlias map[string]*model.Agent
}

func (s *stubAuthAgentRepo) GetAnyByID(_ context.Context, agentID uuid.UUID) (*model.Agent, error) {
	a, ok := s.byID[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (s *stubAuthAgentRepo) GetLiveByAlias(_ context.Context, _ repository.Querier, projectID uuid.UUID, alias string) (*model.Agent, error) {
	a, ok := s.byAlias[alias]
	if !ok || a.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

type stubAuthProjectRepo struct {
	byID   map[uuid.UUID]*model.Project
	bySlug map[string]*model.Project
}

func (s *stubAuthProjectRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Project, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (s *stubAuthProjectRepo) GetBySlug(_ context.Context, slug string) (*model.Project, error) {
	p, ok := s.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

type authFixture struct {
	authn    *handler.Authenticator
	plainKey string
	project  *model.Project
	agent    *model.Agent
	keys     *stubAuthKeyRepo
	agents   *stubAuthAgentRepo
	projects *stubAuthProjectRepo
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	plainKey, keyPrefix, keyHash, err := service.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}

	project := &model.Project{ID: uuid.New(), Slug: "acme/checkout", Name: "Checkout"}
	agent := &model.Agent{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Alias:     "BlueLake",
		HumanName: "alice",
		AgentType: "agent",
		Status:    model.AgentStatusActive,
	}
	key := &model.APIKey{
		ID:        uuid.New(),
		ProjectID: project.ID,
		AgentID:   &agent.ID,
		KeyPrefix: keyPrefix,
		KeyHash:   keyHash,
		IsActive:  true,
	}

	f := &authFixture{
		plainKey: plainKey,
		project:  project,
		agent:    agent,
		keys:     &stubAuthKeyRepo{byHash: map[string]*model.APIKey{keyHash: key}},
		agents: &stubAuthAgentRepo{
			byID:    map[uuid.UUID]*model.Agent{agent.ID: agent},
			byAlias: map[string]*model.Agent{agent.Alias: agent},
		},
		projects: &stubAuthProjectRepo{
			byID:   map[uuid.UUID]*model.Project{project.ID: project},
			bySlug: map[string]*model.Project{project.Slug: project},
		},
	}
	f.authn = handler.NewAuthenticator(f.keys, f.agents, f.projects, zap.NewNop())
	return f
}

func (f *authFixture) router() *gin.Engine {
	router := gin.New()
	authed := router.Group("", f.authn.Middleware())
	handler.NewAuthHandler(zap.NewNop()).Register(authed)
	authed.POST("/act", handler.RequireActor(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func TestBearer_validKeyIntrospects(t *testing.T) {
	f := newAuthFixture(t)
	router := f.router()

	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["mode"] != "bearer" || body["alias"] != "BlueLake" {
		t.Errorf("body = %v", body)
	}
	if body["project_slug"] != "acme/checkout" {
		t.Errorf("project_slug = %v", body["project_slug"])
	}
}

func TestBearer_missingHeader(t *testing.T) {
	f := newAuthFixture(t)
	router := f.router()

	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBearer_unknownKey(t *testing.T) {
	f := newAuthFixture(t)
	router := f.router()

	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer aw_sk_"+strings.Repeat("00", 32))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid API key") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRequireActor_projectKeyForbidden(t *testing.T) {
	f := newAuthFixture(t)
	// Rebind the key to the project only.
	for _, k := range f.keys.byHash {
		k.AgentID = nil
	}
	router := f.router()

	req := httptest.NewRequest(http.MethodPost, "/act", nil)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

// proxyClaim is one gateway identity claim: the signed header plus the
// companion headers that repeat its ids in the clear.
type proxyClaim struct {
	projectID     uuid.UUID
	principalType string
	principalID   uuid.UUID
	actorID       uuid.UUID
}

func (p proxyClaim) sign(secret []byte) string {
	signed := strings.Join([]string{"v2",
		p.projectID.String(), p.principalType, p.principalID.String(), p.actorID.String()}, ":")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signed))
	return signed + ":" + hex.EncodeToString(mac.Sum(nil))
}

func (p proxyClaim) apply(req *http.Request, secret []byte) {
	req.Header.Set(handler.ProxyAuthHeader, p.sign(secret))
	req.Header.Set(handler.ProxyProjectHeader, p.projectID.String())
	if p.principalType == "u" {
		req.Header.Set(handler.ProxyUserHeader, p.principalID.String())
	} else {
		req.Header.Set(handler.ProxyKeyHeader, p.principalID.String())
	}
	req.Header.Set(handler.ProxyActorHeader, p.actorID.String())
}

func (f *authFixture) proxyClaim() proxyClaim {
	return proxyClaim{
		projectID:     f.project.ID,
		principalType: "u",
		principalID:   uuid.New(),
		actorID:       f.agent.ID,
	}
}

func TestProxy_validHeadersResolveActor(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)
	router := f.router()

	claim := f.proxyClaim()
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	claim.apply(req, secret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["mode"] != "proxy" || body["principal"] != claim.principalID.String() || body["alias"] != "BlueLake" {
		t.Errorf("body = %v", body)
	}
}

func TestProxy_badSignature(t *testing.T) {
	f := newAuthFixture(t)
	f.authn.EnableProxyTrust([]byte("proxy-secret"))
	router := f.router()

	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	f.proxyClaim().apply(req, []byte("wrong-secret"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxy_missingCompanionHeaders(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)
	router := f.router()

	// A correctly signed claim is not enough on its own: the project,
	// principal, and actor headers must accompany it.
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	req.Header.Set(handler.ProxyAuthHeader, f.proxyClaim().sign(secret))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestProxy_actorHeaderMismatch(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)
	router := f.router()

	claim := f.proxyClaim()
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	claim.apply(req, secret)
	req.Header.Set(handler.ProxyActorHeader, uuid.NewString())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: actor header must match the signed claim", w.Code)
	}
}

func TestProxy_wrongVersionRejected(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)
	router := f.router()

	claim := f.proxyClaim()
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	claim.apply(req, secret)
	req.Header.Set(handler.ProxyAuthHeader, "v1"+strings.TrimPrefix(claim.sign(secret), "v2"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxy_bearerIgnoredInProxyMode(t *testing.T) {
	f := newAuthFixture(t)
	f.authn.EnableProxyTrust([]byte("proxy-secret"))
	router := f.router()

	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer "+f.plainKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: Bearer credentials must not work behind a trusted proxy", w.Code)
	}
}

func TestProxy_unknownActor(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)
	router := f.router()

	claim := f.proxyClaim()
	claim.principalType = "k"
	claim.actorID = uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	claim.apply(req, secret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestProxy_actorOutsideProject(t *testing.T) {
	f := newAuthFixture(t)
	secret := []byte("proxy-secret")
	f.authn.EnableProxyTrust(secret)

	stranger := &model.Agent{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Alias:     "GreenHill",
		Status:    model.AgentStatusActive,
	}
	f.agents.byID[stranger.ID] = stranger
	router := f.router()

	claim := f.proxyClaim()
	claim.actorID = stranger.ID
	req := httptest.NewRequest(http.MethodGet, "/auth/introspect", nil)
	claim.apply(req, secret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d: an actor from another project must not authenticate", w.Code)
	}
}
