package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingcore/internal/authorization"
)

// authorize gates a route on the casbin policy for the request's actor.
func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeRequest(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeRequest(c *gin.Context, object, action string) error {
	ctx := c.Request.Context()
	actor, err := authorization.ActorFromContext(ctx)
	if err != nil {
		if errors.Is(err, authorization.ErrInvalidActor) {
			return ErrOrgRequired
		}
		return err
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, actor, object, action)
}
