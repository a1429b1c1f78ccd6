package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/vaultbet/internal/validation"
)

// Handler provides HTTP endpoints for sign-in
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public sign-in routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/challenge", h.Challenge)
	r.POST("/auth/verify", h.Verify)
}

// RegisterProtectedRoutes sets up routes for signed-in players.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auth/logout", h.Logout)
	r.GET("/auth/me", h.Me)
}

type challengeRequest struct {
	Wallet  string `json:"wallet" binding:"required"`
	Network string `json:"network" binding:"required"`
}

// Challenge handles POST /auth/challenge
func (h *Handler) Challenge(c *gin.Context) {
	var req challengeRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	ch, err := h.manager.Challenge(c.Request.Context(), req.Wallet, req.Network)
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nonce":      ch.ID,
		"expires_at": ch.ExpiresAt,
		"message":    ch.Message,
		"wallet":     ch.Wallet,
		"network":    ch.Network,
	})
}

type verifyRequest struct {
	Nonce     string `json:"nonce" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Wallet    string `json:"wallet" binding:"required"`
	Network   string `json:"network"`
}

// Verify handles POST /auth/verify
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if !validation.BindJSON(c, &req) {
		return
	}
	token, rec, err := h.manager.Verify(c.Request.Context(), VerifyRequest{
		Nonce:     req.Nonce,
		Wallet:    req.Wallet,
		Network:   req.Network,
		Signature: req.Signature,
	})
	if err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"player":     rec.Player,
		"expires_at": rec.ExpiresAt,
	})
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		validation.RespondError(c, ErrInvalidToken)
		return
	}
	if err := h.manager.Revoke(c.Request.Context(), claims.ID); err != nil {
		validation.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Me handles GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		validation.RespondError(c, ErrInvalidToken)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"player":    claims.Subject,
		"network":   claims.Network,
		"expiresAt": claims.ExpiresAt.Time,
	})
}
