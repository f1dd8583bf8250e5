package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
)

// InitHandler serves the unauthenticated bootstrap endpoint.
type InitHandler struct {
	identity *service.IdentityService
	logger   *zap.Logger
}

// NewInitHandler creates an InitHandler.
func NewInitHandler(identity *service.IdentityService, logger *zap.Logger) *InitHandler {
	return &InitHandler{identity: identity, logger: logger}
}

// Register mounts the init route.
func (h *InitHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/init", h.Init)
}

type initRequest struct {
	ProjectSlug string     `json:"project_slug" binding:"required"`
	ProjectName string     `json:"project_name"`
	ProjectID   *uuid.UUID `json:"project_id"`
	TenantID    *uuid.UUID `json:"tenant_id"`
	Alias       string     `json:"alias"`
	HumanName   string     `json:"human_name"`
	AgentType   string     `json:"agent_type"`
	Custody     string     `json:"custody"`
	DID         string     `json:"did"`
	PublicKey   string     `json:"public_key"`
	Lifetime    string     `json:"lifetime"`
}

// Init handles POST /init — registers (or re-attaches to) an agent identity
// and returns a fresh API key.
func (h *InitHandler) Init(c *gin.Context) {
	var req initRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.identity.Bootstrap(c.Request.Context(), service.BootstrapParams{
		ProjectID:   req.ProjectID,
		ProjectSlug: req.ProjectSlug,
		ProjectName: req.ProjectName,
		TenantID:    req.TenantID,
		Alias:       req.Alias,
		HumanName:   req.HumanName,
		AgentType:   req.AgentType,
		Custody:     model.Custody(req.Custody),
		DID:         req.DID,
		PublicKey:   req.PublicKey,
		Lifetime:    model.Lifetime(req.Lifetime),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}
