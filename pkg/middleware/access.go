package middleware

import (
	"leadmarket/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authorize checks the actor's role against the casbin policy for the
// request path and method.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := GetActor(c.Request.Context())
		ok, err := e.Enforce(actor.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("authorization failed", err))
			c.Abort()
			return
		}
		if !ok {
			zap.L().Warn("access denied",
				zap.String("actor_id", actor.ID),
				zap.String("role", actor.Role),
				zap.String("path", c.Request.URL.Path))
			_ = c.Error(errutil.Forbidden("role "+actor.Role+" may not access this resource", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
