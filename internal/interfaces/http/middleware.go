package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

const actorKey = "actor"

// loggingMiddleware logs one line per request
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		kv := []interface{}{
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if actor, ok := actorFrom(c); ok {
			kv = append(kv, "actor_id", actor.ID)
		}
		s.logger.Info("HTTP request", kv...)
	}
}

// authMiddleware resolves the bearer token to an actor through the role provider
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, http.StatusUnauthorized, ReasonUnauthenticated, "missing bearer token")
			return
		}

		actor, err := s.roles.Resolve(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnauthenticated) {
				abortWithError(c, http.StatusUnauthorized, ReasonUnauthenticated, "unknown token")
				return
			}
			s.logger.Error("Role provider failed", "error", err)
			abortWithError(c, http.StatusServiceUnavailable, ReasonIdentityUnavailable, "identity provider unavailable")
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func actorFrom(c *gin.Context) (identity.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return identity.Actor{}, false
	}
	actor, ok := v.(identity.Actor)
	return actor, ok
}
