package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
)

// AgentHandler serves the agent registry and identity lifecycle.
type AgentHandler struct {
	identity *service.IdentityService
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(identity *service.IdentityService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{identity: identity, logger: logger}
}

// RegisterPublic mounts the one route that works without credentials:
// alias suggestion, used before init.
func (h *AgentHandler) RegisterPublic(rg *gin.RouterGroup) {
	rg.POST("/agents/suggest-alias-prefix", h.SuggestAliasPrefix)
}

// Register mounts the authenticated agent routes. Resolve is cross-tenant
// but still requires a valid credential.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/agents/resolve/*address", h.Resolve)
	agents := rg.Group("/agents")
	{
		agents.GET("", h.List)
		agents.POST("/heartbeat", RequireActor(), h.Heartbeat)
		agents.PATCH("/:id", h.UpdateAccessMode)
		agents.PUT("/:id/rotate", h.Rotate)
		agents.PUT("/:id/retire", h.Retire)
		agents.GET("/:id/log", h.Log)
		agents.DELETE("/me", RequireActor(), h.DeregisterSelf)
		agents.DELETE("/:id/:alias", h.DeregisterPeer)
	}
}

// resolveAgentID maps the :id path segment to a target agent id. "me"
// resolves to the authenticated actor.
func (h *AgentHandler) resolveAgentID(c *gin.Context, ident *Identity) (uuid.UUID, bool) {
	raw := c.Param("id")
	if raw == "me" {
		if ident.Agent == nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "API key is not bound to an agent"})
			return uuid.Nil, false
		}
		return ident.Agent.ID, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent ID"})
		return uuid.Nil, false
	}
	return id, true
}

// authorizeTarget enforces that agent-bound credentials only manage their
// own identity. Project-scoped keys may manage any agent in the project.
func (h *AgentHandler) authorizeTarget(c *gin.Context, ident *Identity, target uuid.UUID) bool {
	if ident.Agent != nil && ident.Agent.ID != target {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot modify another agent's identity"})
		return false
	}
	return true
}

// List handles GET /agents. ?include_internal=true also returns
// human-operated entries.
func (h *AgentHandler) List(c *gin.Context) {
	ident := IdentityFromCtx(c)
	includeInternal := c.Query("include_internal") == "true"

	agents, err := h.identity.ListAgents(c.Request.Context(), ident.Project.ID, includeInternal)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if agents == nil {
		agents = []*service.AgentInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// Heartbeat handles POST /agents/heartbeat — refreshes the caller's
// presence record.
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	ident := IdentityFromCtx(c)
	lastSeen := h.identity.Heartbeat(c.Request.Context(), ident.Agent)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "last_seen": lastSeen})
}

type updateAgentRequest struct {
	AccessMode string `json:"access_mode" binding:"required"`
}

// UpdateAccessMode handles PATCH /agents/:id — flips contact gating.
func (h *AgentHandler) UpdateAccessMode(c *gin.Context) {
	ident := IdentityFromCtx(c)
	target, ok := h.resolveAgentID(c, ident)
	if !ok {
		return
	}
	if !h.authorizeTarget(c, ident, target) {
		return
	}

	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.identity.UpdateAccessMode(c.Request.Context(), ident.Project.ID, target, model.AccessMode(req.AccessMode))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type suggestAliasRequest struct {
	ProjectSlug string `json:"project_slug" binding:"required"`
}

// SuggestAliasPrefix handles POST /agents/suggest-alias-prefix — returns
// the next free allocator prefix for a project.
func (h *AgentHandler) SuggestAliasPrefix(c *gin.Context) {
	var req suggestAliasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prefix, err := h.identity.SuggestAliasPrefix(c.Request.Context(), req.ProjectSlug)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alias_prefix": prefix})
}

// Resolve handles GET /agents/resolve/*address where address is
// "{project_slug}/{alias}". Project slugs may themselves contain slashes;
// the final segment is the alias. Any authenticated caller may resolve,
// including across tenants.
func (h *AgentHandler) Resolve(c *gin.Context) {
	address := strings.Trim(c.Param("address"), "/")
	i := strings.LastIndex(address, "/")
	if i <= 0 || i == len(address)-1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be {project_slug}/{alias}"})
		return
	}
	slug, alias := address[:i], address[i+1:]

	res, err := h.identity.Resolve(c.Request.Context(), slug, alias)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type rotateRequest struct {
	NewDID            string `json:"new_did"`
	NewPublicKey      string `json:"new_public_key"`
	Custody           string `json:"custody"`
	RotationSignature string `json:"rotation_signature"`
	Timestamp         string `json:"timestamp" binding:"required"`
}

// Rotate handles PUT /agents/:id/rotate.
func (h *AgentHandler) Rotate(c *gin.Context) {
	ident := IdentityFromCtx(c)
	target, ok := h.resolveAgentID(c, ident)
	if !ok {
		return
	}
	if !h.authorizeTarget(c, ident, target) {
		return
	}

	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.identity.Rotate(c.Request.Context(), ident.Project.ID, target, service.RotateParams{
		NewDID:            req.NewDID,
		NewPublicKey:      req.NewPublicKey,
		Custody:           model.Custody(req.Custody),
		RotationSignature: req.RotationSignature,
		Timestamp:         req.Timestamp,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rotated", "agent": agent})
}

type retireRequest struct {
	SuccessorAgentID *uuid.UUID `json:"successor_agent_id"`
	RetireSignature  string     `json:"retire_signature"`
	Timestamp        string     `json:"timestamp" binding:"required"`
}

// Retire handles PUT /agents/:id/retire.
func (h *AgentHandler) Retire(c *gin.Context) {
	ident := IdentityFromCtx(c)
	target, ok := h.resolveAgentID(c, ident)
	if !ok {
		return
	}
	if !h.authorizeTarget(c, ident, target) {
		return
	}

	var req retireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.identity.Retire(c.Request.Context(), ident.Project.ID, target, service.RetireParams{
		SuccessorAgentID: req.SuccessorAgentID,
		RetireSignature:  req.RetireSignature,
		Timestamp:        req.Timestamp,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retired", "agent": agent})
}

// DeregisterSelf handles DELETE /agents/me — removes the calling ephemeral
// agent.
func (h *AgentHandler) DeregisterSelf(c *gin.Context) {
	ident := IdentityFromCtx(c)
	agent, err := h.identity.Deregister(c.Request.Context(), ident.Project.ID, ident.Agent.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deregistered", "alias": agent.Alias})
}

// DeregisterPeer handles DELETE /agents/:id/:alias where :id is the
// project slug — cleans up a finished ephemeral teammate.
func (h *AgentHandler) DeregisterPeer(c *gin.Context) {
	ident := IdentityFromCtx(c)
	slug := c.Param("id")
	alias := c.Param("alias")

	agent, err := h.identity.DeregisterByAddress(c.Request.Context(), ident.Project.ID, slug, alias)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deregistered", "alias": agent.Alias})
}

// Log handles GET /agents/:id/log — the append-only lifecycle history.
func (h *AgentHandler) Log(c *gin.Context) {
	ident := IdentityFromCtx(c)
	target, ok := h.resolveAgentID(c, ident)
	if !ok {
		return
	}

	entries, err := h.identity.Log(c.Request.Context(), ident.Project.ID, target)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*model.AgentLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
