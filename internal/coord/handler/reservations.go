package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/service"
)

// ReservationHandler serves advisory TTL reservations.
type ReservationHandler struct {
	reservations *service.ReservationService
	logger       *zap.Logger
}

// NewReservationHandler creates a ReservationHandler.
func NewReservationHandler(reservations *service.ReservationService, logger *zap.Logger) *ReservationHandler {
	return &ReservationHandler{reservations: reservations, logger: logger}
}

// Register mounts the reservation routes. Revoke and List work with
// project-scoped keys; the rest need an agent.
func (h *ReservationHandler) Register(rg *gin.RouterGroup) {
	res := rg.Group("/reservations")
	{
		res.POST("", RequireActor(), h.Acquire)
		res.POST("/renew", RequireActor(), h.Renew)
		res.POST("/release", RequireActor(), h.Release)
		res.POST("/revoke", h.Revoke)
		res.GET("", h.List)
	}
}

type acquireRequest struct {
	ResourceKey string         `json:"resource_key" binding:"required"`
	TTLSeconds  int            `json:"ttl_seconds"`
	Metadata    map[string]any `json:"metadata"`
}

// Acquire handles POST /reservations.
func (h *ReservationHandler) Acquire(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.reservations.Acquire(c.Request.Context(), ident.Project.ID, ident.Agent,
		req.ResourceKey, req.TTLSeconds, req.Metadata)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type renewRequest struct {
	ResourceKey string `json:"resource_key" binding:"required"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// Renew handles POST /reservations/renew — extends the caller's own hold.
func (h *ReservationHandler) Renew(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiresAt, err := h.reservations.Renew(c.Request.Context(), ident.Project.ID, ident.Agent,
		req.ResourceKey, req.TTLSeconds)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "renewed",
		"expires_at": expiresAt.UTC().Format(time.RFC3339Nano),
	})
}

type releaseRequest struct {
	ResourceKey string `json:"resource_key" binding:"required"`
}

// Release handles POST /reservations/release. Releasing a key the caller
// does not hold is a no-op.
func (h *ReservationHandler) Release(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	released, err := h.reservations.Release(c.Request.Context(), ident.Project.ID, ident.Agent, req.ResourceKey)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	status := "released"
	if !released {
		status = "not_held"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type revokeRequest struct {
	Prefix string `json:"prefix"`
}

// Revoke handles POST /reservations/revoke — drops every reservation in the
// project matching the prefix, regardless of holder. Meant for cleanup after
// crashed agents.
func (h *ReservationHandler) Revoke(c *gin.Context) {
	ident := IdentityFromCtx(c)

	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	revoked, err := h.reservations.Revoke(c.Request.Context(), ident.Project.ID, req.Prefix)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked", "count": revoked})
}

// List handles GET /reservations?prefix= — active holds in the project.
func (h *ReservationHandler) List(c *gin.Context) {
	ident := IdentityFromCtx(c)

	reservations, err := h.reservations.List(c.Request.Context(), ident.Project.ID, c.Query("prefix"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if reservations == nil {
		reservations = []*model.Reservation{}
	}
	c.JSON(http.StatusOK, gin.H{"reservations": reservations, "count": len(reservations)})
}
