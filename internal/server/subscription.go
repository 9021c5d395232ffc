package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
)

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	req.ProductCode = strings.TrimSpace(req.ProductCode)

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	switch {
	case resp.Pending:
		status = http.StatusAccepted
	case !resp.Created:
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query subscriptiondomain.ListRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if _, err := parseOptionalSnowflakeID(query.ProductID); err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_product_id", "invalid product_id"))
		return
	}
	query.Status = strings.TrimSpace(query.Status)
	query.ProductID = strings.TrimSpace(query.ProductID)

	resp, err := s.subscriptionSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Subscriptions, "page_info": resp.PageInfo})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	item, err := s.subscriptionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListSubscriptionHistory(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	items, err := s.subscriptionSvc.History(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ListSubscriptionCharges(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	items, err := s.ratingSvc.ListCharges(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	var req subscriptiondomain.CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, bindError(err))
			return
		}
	}
	req.Reason = strings.TrimSpace(req.Reason)

	s.respondMutation(c, func() (*subscriptiondomain.MutationResult, error) {
		return s.subscriptionSvc.Cancel(c.Request.Context(), id, req)
	})
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	s.respondMutation(c, func() (*subscriptiondomain.MutationResult, error) {
		return s.subscriptionSvc.Reactivate(c.Request.Context(), id)
	})
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	var req subscriptiondomain.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	if req.PlanID == 0 {
		AbortWithError(c, newValidationError("plan_id", "invalid_plan", "plan_id is required"))
		return
	}

	s.respondMutation(c, func() (*subscriptiondomain.MutationResult, error) {
		return s.subscriptionSvc.Upgrade(c.Request.Context(), id, req)
	})
}

func (s *Server) ApproveSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	s.respondMutation(c, func() (*subscriptiondomain.MutationResult, error) {
		return s.subscriptionSvc.Approve(c.Request.Context(), id)
	})
}

// ReconcileSubscription answers 409 when the processor disagrees with local
// state. The drifts are recorded for review and nothing is overwritten.
func (s *Server) ReconcileSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c, "id")
	if !ok {
		return
	}

	resp, err := s.subscriptionSvc.Reconcile(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if len(resp.Drifts) > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"data": resp,
			"error": errorPayload{
				Type:    "reconciliation_drift",
				Message: "processor state differs from local state",
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) respondMutation(c *gin.Context, fn func() (*subscriptiondomain.MutationResult, error)) {
	resp, err := fn()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if resp.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": resp})
}

func subscriptionIDParam(c *gin.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed == 0 {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return "", false
	}
	return id, true
}
