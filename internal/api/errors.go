package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/store"
)

// respondError maps domain failures onto the response contract. Internal
// errors never leak detail to the client.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case store.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case store.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrTransient):
		s.logger.Error("transient storage failure", zap.Error(err),
			zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary storage failure"})
	default:
		s.logger.Error("request failed", zap.Error(err),
			zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// badRequest renders a validation failure with structured detail.
func badRequest(c *gin.Context, details string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
}
