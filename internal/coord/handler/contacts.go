package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
)

// ContactHandler manages the project's cross-tenant contact list.
type ContactHandler struct {
	contacts *service.ContactsService
	logger   *zap.Logger
}

// NewContactHandler creates a ContactHandler.
func NewContactHandler(contacts *service.ContactsService, logger *zap.Logger) *ContactHandler {
	return &ContactHandler{contacts: contacts, logger: logger}
}

// Register mounts the contact routes.
func (h *ContactHandler) Register(rg *gin.RouterGroup) {
	contacts := rg.Group("/contacts")
	{
		contacts.POST("", h.Add)
		contacts.GET("", h.List)
		contacts.DELETE("/:id", h.Remove)
	}
}

type addContactRequest struct {
	Address string `json:"address" binding:"required"`
	Label   string `json:"label"`
}

// Add handles POST /contacts.
func (h *ContactHandler) Add(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact, err := h.contacts.Add(c.Request.Context(), ident.Project, req.Address, req.Label)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

// List handles GET /contacts.
func (h *ContactHandler) List(c *gin.Context) {
	ident := IdentityFromCtx(c)

	contacts, err := h.contacts.List(c.Request.Context(), ident.Project.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if contacts == nil {
		contacts = []*model.Contact{}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts, "count": len(contacts)})
}

// Remove handles DELETE /contacts/:id. Removing an unknown contact succeeds.
func (h *ContactHandler) Remove(c *gin.Context) {
	ident := IdentityFromCtx(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact ID"})
		return
	}

	if err := h.contacts.Remove(c.Request.Context(), ident.Project.ID, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
