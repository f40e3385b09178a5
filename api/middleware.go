package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"searchsync/auth"
	"searchsync/metrics"
)

const claimsKey = "claims"

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		if claims, ok := c.Get(claimsKey); ok {
			event = event.Str("subject", claims.(auth.Claims).Subject)
		}
		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// requireAuth validates the bearer token and stores its claims. A nil token
// service disables authentication.
func requireAuth(tokens *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		_, span := metrics.Tracer.Start(c.Request.Context(), "api.require_auth")
		defer span.End()

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := tokens.Verify(strings.TrimSpace(header[len(prefix):]))
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("auth.subject", claims.Subject),
			attribute.String("auth.role", string(claims.Role)),
		)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func requireRole(tokens *auth.Service, role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		value, ok := c.Get(claimsKey)
		if !ok || !value.(auth.Claims).Role.Allows(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires role " + string(role)})
			return
		}
		c.Next()
	}
}
