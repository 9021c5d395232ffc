package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/billingcore/internal/observability/context"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
)

const (
	HeaderOrg         = "X-Org-Id"
	HeaderOperatorKey = "X-Operator-Key"
)

// RequestContext resolves the tenant and operator identity of a request.
// The tenant layer upstream is trusted to set X-Org-Id; operator calls must
// present the configured key.
func (s *Server) RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if key := strings.TrimSpace(c.GetHeader(HeaderOperatorKey)); key != "" {
			if !s.validOperatorKey(key) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			ctx = orgcontext.WithOperator(ctx)
			ctx = obscontext.WithActor(ctx, "operator", "operator")
		}

		if raw := strings.TrimSpace(c.GetHeader(HeaderOrg)); raw != "" {
			orgID, err := snowflake.ParseString(raw)
			if err != nil || orgID == 0 {
				AbortWithError(c, newValidationError("organization_id", "invalid_organization", "invalid X-Org-Id header"))
				return
			}
			ctx = orgcontext.WithOrgID(ctx, int64(orgID))
			ctx = obscontext.WithOrgID(ctx, orgID.String())
			if !orgcontext.IsOperator(ctx) {
				ctx = obscontext.WithActor(ctx, "tenant", orgID.String())
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) validOperatorKey(key string) bool {
	expected := strings.TrimSpace(s.cfg.OperatorKey)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1
}
