package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/logging"
	"github.com/mbd888/vaultbet/internal/validation"
)

const (
	// ContextKeyClaims is the key for storing token claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyPlayer is the key for storing the authenticated wallet
	ContextKeyPlayer = "authPlayer"
	// InternalSecretHeader carries the shared secret on internal routes
	InternalSecretHeader = "X-Internal-Secret"
)

// Middleware validates the bearer token when one is present and stores
// the claims in the context. It never rejects; RequireAuth does.
// WebSocket upgrades may carry the token in the access_token query
// parameter since browsers cannot set headers on them.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" && websocket.IsWebSocketUpgrade(c.Request) {
			h = c.Query("access_token")
		}
		if h != "" {
			claims, err := m.Authenticate(c.Request.Context(), h)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyPlayer, claims.Subject)
				ctx := logging.WithPlayer(c.Request.Context(), claims.Subject)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Player(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(apperr.Unauthorized),
				"message": "Bearer token required. Sign a challenge at POST /auth/challenge.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership requires the :param path value to be the caller's wallet.
func RequireOwnership(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !RequireOwner(c, c.Param(param)) {
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireOwner writes a 401 or 403 and returns false unless player is the
// authenticated wallet. EVM players are compared in lowercase form, which
// is the form tokens are issued for.
func RequireOwner(c *gin.Context, player string) bool {
	caller := Player(c)
	if caller == "" {
		validation.RespondError(c, ErrInvalidToken)
		return false
	}
	if caller != player {
		validation.RespondError(c, apperr.ErrForbidden)
		return false
	}
	return true
}

// RequireSecret guards internal routes (settlement callbacks, deposits,
// voids) with a shared secret header. An empty secret disables the routes.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(InternalSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(apperr.Unauthorized),
				"message": "internal secret required",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the token claims from context (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// Player returns the authenticated wallet, or "".
func Player(c *gin.Context) string {
	return c.GetString(ContextKeyPlayer)
}
