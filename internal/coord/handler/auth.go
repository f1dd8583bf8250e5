package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/coord/service"
)

const (
	identityCtxKey = "aweb_identity"

	// ProxyAuthHeader carries the upstream gateway's signed identity claim.
	// The companion headers repeat the claim's ids in the clear; resolveProxy
	// rebuilds the signed claim from them, so a companion header that does
	// not match its signed counterpart never authenticates.
	ProxyAuthHeader    = "X-BH-Auth"
	ProxyProjectHeader = "X-Project-ID"
	ProxyUserHeader    = "X-User-ID"
	ProxyKeyHeader     = "X-API-Key"
	ProxyActorHeader   = "X-Aweb-Actor-ID"

	proxyAuthVersion = "v2"
)

// Identity is the authenticated caller attached to the request context.
// Agent is nil for project-scoped API keys.
type Identity struct {
	Project   *model.Project
	Agent     *model.Agent
	Key       *model.APIKey
	Mode      string // "bearer" or "proxy"
	Principal string // proxy mode: upstream principal id
}

type authKeyRepo interface {
	GetActiveByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID uuid.UUID) error
}

type authAgentRepo interface {
	GetAnyByID(ctx context.Context, agentID uuid.UUID) (*model.Agent, error)
}

type authProjectRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Project, error)
}

// Authenticator resolves request credentials to an Identity. Two exclusive
// modes: direct Bearer API keys, or signed identity headers from a trusted
// gateway. When proxy trust is enabled, Bearer credentials are not
// consulted — there is no fallback between modes.
type Authenticator struct {
	keys        authKeyRepo
	agents      authAgentRepo
	projects    authProjectRepo
	trustProxy  bool
	proxySecret []byte
	logger      *zap.Logger
}

// NewAuthenticator creates an Authenticator in Bearer mode.
func NewAuthenticator(keys authKeyRepo, agents authAgentRepo, projects authProjectRepo, logger *zap.Logger) *Authenticator {
	return &Authenticator{keys: keys, agents: agents, projects: projects, logger: logger}
}

// EnableProxyTrust switches to signed-header mode. The secret must be
// non-empty; main refuses to start otherwise.
func (a *Authenticator) EnableProxyTrust(secret []byte) {
	a.trustProxy = true
	a.proxySecret = secret
}

// Middleware authenticates every request under /v1 (except init).
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := a.resolve(c)
		if err != nil {
			var unauth *service.ErrUnauthorized
			if errors.As(err, &unauth) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauth.Msg})
				return
			}
			a.logger.Error("authentication failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		c.Set(identityCtxKey, ident)
		c.Next()
	}
}

func (a *Authenticator) resolve(c *gin.Context) (*Identity, error) {
	if a.trustProxy {
		return a.resolveProxy(c)
	}
	return a.resolveBearer(c)
}

func (a *Authenticator) resolveBearer(c *gin.Context) (*Identity, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}
	plainKey := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if plainKey == "" {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}

	ctx := c.Request.Context()
	key, err := a.keys.GetActiveByHash(ctx, service.HashAPIKey(plainKey))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &service.ErrUnauthorized{Msg: "Invalid API key"}
	}
	if err != nil {
		return nil, err
	}
	if err := a.keys.TouchLastUsed(ctx, key.ID); err != nil {
		a.logger.Warn("touch api key failed", zap.String("key_prefix", key.KeyPrefix), zap.Error(err))
	}

	project, err := a.projects.GetByID(ctx, key.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &service.ErrUnauthorized{Msg: "Invalid API key"}
	}
	if err != nil {
		return nil, err
	}

	ident := &Identity{Project: project, Key: key, Mode: "bearer"}
	if key.AgentID != nil {
		agent, err := a.agents.GetAnyByID(ctx, *key.AgentID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &service.ErrUnauthorized{Msg: "Invalid API key"}
		}
		if err != nil {
			return nil, err
		}
		if agent.ProjectID != project.ID || agent.DeletedAt != nil {
			return nil, &service.ErrUnauthorized{Msg: "Invalid API key"}
		}
		ident.Agent = agent
	}
	return ident, nil
}

// resolveProxy verifies the gateway's signed identity claim,
// v2:{project_id}:{u|k}:{principal_id}:{actor_id}:{hex hmac}. The project,
// principal (user or API key), and actor ids must also arrive in their
// companion headers as UUIDs; the expected claim is rebuilt from them and
// compared to the signed header in constant time.
func (a *Authenticator) resolveProxy(c *gin.Context) (*Identity, error) {
	header := c.GetHeader(ProxyAuthHeader)
	if header == "" {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}

	projectID, err := uuid.Parse(c.GetHeader(ProxyProjectHeader))
	if err != nil {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}
	principalType := "u"
	rawPrincipal := c.GetHeader(ProxyUserHeader)
	if rawPrincipal == "" {
		principalType = "k"
		rawPrincipal = c.GetHeader(ProxyKeyHeader)
	}
	principal, err := uuid.Parse(rawPrincipal)
	if err != nil {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}
	actorID, err := uuid.Parse(c.GetHeader(ProxyActorHeader))
	if err != nil {
		return nil, &service.ErrUnauthorized{Msg: "Authentication required"}
	}

	signed := strings.Join([]string{proxyAuthVersion,
		projectID.String(), principalType, principal.String(), actorID.String()}, ":")
	mac := hmac.New(sha256.New, a.proxySecret)
	mac.Write([]byte(signed))
	expected := signed + ":" + hex.EncodeToString(mac.Sum(nil))
	if !service.ConstantTimeEqual(expected, strings.ToLower(header)) {
		return nil, &service.ErrUnauthorized{Msg: "Invalid identity header"}
	}

	ctx := c.Request.Context()
	project, err := a.projects.GetByID(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &service.ErrUnauthorized{Msg: "Unknown project"}
	}
	if err != nil {
		return nil, err
	}

	agent, err := a.agents.GetAnyByID(ctx, actorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &service.ErrUnauthorized{Msg: "Unknown actor"}
	}
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != project.ID || agent.DeletedAt != nil {
		return nil, &service.ErrUnauthorized{Msg: "Unknown actor"}
	}

	return &Identity{
		Project:   project,
		Agent:     agent,
		Mode:      "proxy",
		Principal: principal.String(),
	}, nil
}

// IdentityFromCtx returns the authenticated Identity, or nil outside the
// auth middleware.
func IdentityFromCtx(c *gin.Context) *Identity {
	v, ok := c.Get(identityCtxKey)
	if !ok {
		return nil
	}
	ident, _ := v.(*Identity)
	return ident
}

// RequireActor aborts with 403 when the credential is not bound to an
// agent. Project-scoped keys can read registry state but cannot act.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := IdentityFromCtx(c)
		if ident == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if ident.Agent == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "API key is not bound to an agent"})
			return
		}
		c.Next()
	}
}

// AuthHandler serves credential introspection.
type AuthHandler struct {
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(logger *zap.Logger) *AuthHandler {
	return &AuthHandler{logger: logger}
}

// Register mounts the auth routes.
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/auth/introspect", h.Introspect)
}

// Introspect handles GET /auth/introspect — echoes back who the server
// thinks the caller is.
func (h *AuthHandler) Introspect(c *gin.Context) {
	ident := IdentityFromCtx(c)
	if ident == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	resp := gin.H{
		"mode":         ident.Mode,
		"project_id":   ident.Project.ID,
		"project_slug": ident.Project.Slug,
	}
	if ident.Principal != "" {
		resp["principal"] = ident.Principal
	}
	if ident.Agent != nil {
		resp["agent_id"] = ident.Agent.ID
		resp["alias"] = ident.Agent.Alias
		resp["human_name"] = ident.Agent.HumanName
		resp["agent_type"] = ident.Agent.AgentType
	}
	c.JSON(http.StatusOK, resp)
}
