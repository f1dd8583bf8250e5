// Package handler exposes the coordination API over HTTP. Handlers decode
// requests, delegate to the service layer, and translate its typed errors
// to the HTTP status taxonomy.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/service"
)

// respondError maps service errors to HTTP responses. Anything untyped is a
// 500 with a generic body; details stay in the log.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		validation *service.ErrValidation
		badReq     *service.ErrBadRequest
		notFound   *service.ErrNotFound
		forbidden  *service.ErrForbidden
		conflict   *service.ErrConflict
		gone       *service.ErrGone
		unauth     *service.ErrUnauthorized
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Msg})
	case errors.As(err, &badReq):
		c.JSON(http.StatusBadRequest, gin.H{"error": badReq.Msg})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Msg})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": forbidden.Msg})
	case errors.As(err, &conflict):
		body := gin.H{"error": conflict.Msg}
		for k, v := range conflict.Extras {
			body[k] = v
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &gone):
		body := gin.H{"error": gone.Msg}
		if gone.SuccessorAlias != "" {
			body["successor_alias"] = gone.SuccessorAlias
		}
		c.JSON(http.StatusGone, body)
	case errors.As(err, &unauth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": unauth.Msg})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
