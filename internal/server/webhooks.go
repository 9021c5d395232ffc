package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingcore/internal/gateway/webhook"
	obstracing "github.com/smallbiznis/billingcore/internal/observability/tracing"
)

// maxWebhookBody bounds a single processor delivery.
const maxWebhookBody = 1 << 20

// HandleProcessorWebhook verifies the raw body against the signature header
// before anything is parsed. A 200 tells the processor to stop redelivering.
func (s *Server) HandleProcessorWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Handle(c.Request.Context(), payload, c.GetHeader(webhook.SignatureHeader))
	if result != nil && result.Type != "" {
		c.Set(obstracing.KeyEventType, result.Type)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": result})
}
