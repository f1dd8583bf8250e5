package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProjectHandler exposes the caller's project context.
type ProjectHandler struct {
	logger *zap.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{logger: logger}
}

// Register mounts the project routes.
func (h *ProjectHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/projects/current", h.Current)
}

// Current handles GET /projects/current — the project the credential is
// scoped to.
func (h *ProjectHandler) Current(c *gin.Context) {
	ident := IdentityFromCtx(c)
	p := ident.Project
	c.JSON(http.StatusOK, gin.H{
		"id":        p.ID,
		"slug":      p.Slug,
		"name":      p.Name,
		"tenant_id": p.TenantID,
	})
}
