package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obstracing "github.com/smallbiznis/billingcore/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
)

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	req.Metric = strings.TrimSpace(req.Metric)
	if req.Metric != "" {
		c.Set(obstracing.KeyUsageMetric, req.Metric)
	}

	record, err := s.usageSvc.RecordUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": record})
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "subscription_id")
	if !ok {
		return
	}

	summary, err := s.usageSvc.CurrentUsage(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
