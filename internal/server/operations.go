package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

type retryResponse struct {
	Operation *gatewaydomain.Operation `json:"operation"`
	Pending   bool                     `json:"pending"`
	Failed    bool                     `json:"failed"`
	Error     string                   `json:"error,omitempty"`
}

func (s *Server) ListFailedOperations(c *gin.Context) {
	limit := defaultFailedLimit
	parsed, err := parseOptionalInt64(c.Query("limit"))
	if err != nil || (parsed != nil && *parsed <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	if parsed != nil {
		limit = int(min(*parsed, maxFailedLimit))
	}

	items, err := s.gatewaySvc.ListFailed(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetOperation(c *gin.Context) {
	id, ok := operationIDParam(c)
	if !ok {
		return
	}

	op, err := s.gatewaySvc.GetOperation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": op})
}

// RetryOperation re-runs a queued command under its original idempotency
// key. A processor that still does not answer yields 202.
func (s *Server) RetryOperation(c *gin.Context) {
	id, ok := operationIDParam(c)
	if !ok {
		return
	}

	outcome, err := s.gatewaySvc.Retry(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := retryResponse{
		Operation: outcome.Operation,
		Pending:   outcome.Pending,
		Failed:    outcome.Failed,
	}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}

	status := http.StatusOK
	if outcome.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": resp})
}

func operationIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
