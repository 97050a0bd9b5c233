package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/siwe-auth/core"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/layer-3/siwe-auth/service"
	"go.uber.org/zap"
)

const sessionContextKey = "session"

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	keys        ports.KeyManager
	logger      *zap.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, keys ports.KeyManager, logger *zap.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		keys:        keys,
		logger:      logger.Named("http"),
	}
}

// Nonce issues a fresh sign-in nonce.
func (h *AuthHandlers) Nonce(c *gin.Context) {
	nonce, err := h.authService.IssueNonce(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

// Verify handles the signed sign-in message
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Message   string `json:"message" binding:"required"`
		Signature string `json:"signature" binding:"required"`
	}

	// An unreadable body is as opaque to the caller as a bad signature.
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, core.Unauthorized(core.ErrMalformedMessage))
		return
	}

	pair, err := h.authService.Verify(c.Request.Context(), req.Message, req.Signature)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, pair)
}

// Refresh rotates an expired access token and its refresh token
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"accessToken" binding:"required"`
		RefreshToken string `json:"refreshToken" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, core.Unauthorized(core.ErrVerify))
		return
	}

	pair, err := h.authService.VerifyRefreshToken(c.Request.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, pair)
}

// VerifyToken returns the claims of a valid token
func (h *AuthHandlers) VerifyToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, core.Unauthorized(core.ErrVerify))
		return
	}

	claims, err := h.authService.IntrospectToken(req.Token)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payload": claims})
}

// JWKS serves the public signing key.
func (h *AuthHandlers) JWKS(c *gin.Context) {
	set, err := h.keys.JWKS()
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, set)
}

// Health is a liveness probe.
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"keyId":        h.keys.KeyID(),
		"keyCreatedAt": h.keys.CreatedAt(),
	})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	// Set by the auth middleware
	value, exists := c.Get(sessionContextKey)
	session, ok := value.(*core.Session)
	if !exists || !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": session.Address,
		"chainId": session.ChainID,
	})
}

// writeError maps an error to its response. The cause of an authentication
// failure never reaches the body.
func (h *AuthHandlers) writeError(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, core.ErrStoreUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Service unavailable"})
	case errors.Is(err, core.ErrRateLimitExceeded):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
	case errors.Is(err, core.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
