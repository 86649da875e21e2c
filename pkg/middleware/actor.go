package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

type actorKey struct{}

var ActorContextKey = actorKey{}

// Actor is the caller identity forwarded by the gateway in front of the API.
type Actor struct {
	ID   string
	Role string
}

// ActorFromHeaders puts the forwarded actor on the request context. A
// request without a role header acts as "anonymous".
func ActorFromHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor{
			ID:   c.GetHeader(HeaderActorID),
			Role: c.GetHeader(HeaderActorRole),
		}
		if actor.Role == "" {
			actor.Role = "anonymous"
		}
		ctx := context.WithValue(c.Request.Context(), ActorContextKey, actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetActor returns the actor on ctx, or an anonymous one.
func GetActor(ctx context.Context) Actor {
	a, ok := ctx.Value(ActorContextKey).(Actor)
	if !ok {
		return Actor{Role: "anonymous"}
	}
	return a
}
