package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode/opencode-dashboard/internal/linear"
)

// maxWebhookBody bounds webhook payloads so a misbehaving sender cannot make
// the ingest buffer unbounded input.
const maxWebhookBody = 1 << 20

// handleLinearWebhook verifies the HMAC signature over the raw body, then
// hands the payload to the ingest service. Signature failures are a hard 401
// with no detail.
func (s *Server) handleLinearWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if !s.linear.VerifySignature(body, c.GetHeader(linear.SignatureHeader)) {
		s.logger.Warn("webhook signature verification failed",
			zap.String("remote_addr", c.Request.RemoteAddr))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := s.linear.HandleWebhook(c.Request.Context(), body); err != nil {
		if errors.Is(err, linear.ErrInvalidPayload) {
			badRequest(c, "malformed webhook payload")
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
