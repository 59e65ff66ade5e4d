// Package middleware provides HTTP middleware for the sync server API.
package middleware

import (
	"net/http"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

// PrincipalContextKey is the context key for the authenticated caller.
const PrincipalContextKey ContextKey = "principal"

// APIKeyMiddleware returns a Gin middleware that authenticates requests
// with a bearer API key and stores the caller's Principal.
func APIKeyMiddleware(validator *auth.APIKeyValidator, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "apikey_middleware").Logger()

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		apiKey := auth.ExtractBearerToken(authHeader)
		if apiKey == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid authorization header format")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		principal, err := validator.ValidateAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			status := apperr.HTTPStatus(err)
			if status != http.StatusUnauthorized {
				log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("api key lookup failed")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
			return
		}

		c.Set(string(PrincipalContextKey), principal)
		c.Next()
	}
}

// GetPrincipal retrieves the authenticated caller from the Gin context.
// Returns nil if the request is unauthenticated.
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, exists := c.Get(string(PrincipalContextKey))
	if !exists {
		return nil
	}
	p, ok := v.(*auth.Principal)
	if !ok {
		return nil
	}
	return p
}

// RequirePrincipal gets the authenticated caller or aborts with 401.
func RequirePrincipal(c *gin.Context) *auth.Principal {
	p := GetPrincipal(c)
	if p == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return p
}

// RequireAdmin aborts with 403 unless the caller is an organization admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := RequirePrincipal(c)
		if p == nil {
			return
		}
		if !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
