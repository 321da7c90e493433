package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"go.uber.org/zap"
)

const claimsKey = "claims"

// TokenHeader is the header the web client sends its session token in
const TokenHeader = "token"

// TokenVerifier validates a session token and returns its claims
type TokenVerifier interface {
	Verify(token string) (*models.SessionClaims, error)
}

// RequireSession validates the session token and stores its claims in the context.
// The token is read from "Authorization: Bearer" or from the token header.
func RequireSession(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := extractToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Access denied. No token provided."})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, models.ErrTokenExpired) {
				message = "Token has expired"
			}
			observability.Logger().Debug("session token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": message})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1]), true
		}
		return "", false
	}
	if token := strings.TrimSpace(c.GetHeader(TokenHeader)); token != "" {
		return token, true
	}
	return "", false
}

// RequireAdmin checks if the session has admin privileges. It must run after RequireSession.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Access denied. No token provided."})
			return
		}
		if !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Admin privileges required"})
			return
		}
		c.Next()
	}
}

// ClaimsFromContext returns the session claims stored by RequireSession
func ClaimsFromContext(c *gin.Context) (*models.SessionClaims, bool) {
	value, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.SessionClaims)
	return claims, ok && claims != nil
}
