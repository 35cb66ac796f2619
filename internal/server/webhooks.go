package server

import (
	"io"
	"net/http"

	webhookdomain "github.com/0xHoneyJar/freeside/internal/webhook/domain"
	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds how much of a callback body is read.
const maxWebhookBody = 1 << 20

// HandleProviderWebhook acknowledges every outcome except a bad signature
// with 200 so the provider does not retry-storm.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable", "could not read request body"))
		return
	}

	result := s.webhookSvc.Process(c.Request.Context(), provider, body, c.GetHeader("x-signature"))
	if result.Status == webhookdomain.StatusRejected {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   result.Status,
		"reason":   result.Reason,
		"event_id": result.EventID,
	})
}
