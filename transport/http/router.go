package http

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/siwe-auth/ports"
	"github.com/layer-3/siwe-auth/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds the router's transport settings.
type RouterConfig struct {
	// TrustedProxies lists proxy IPs/CIDRs whose forwarding headers are
	// believed. Empty means none.
	TrustedProxies []string
}

// SetupRouter sets up the Gin router
func SetupRouter(
	cfg RouterConfig,
	authService *service.AuthService,
	limiter *service.RateLimiter,
	keys ports.KeyManager,
	logger *zap.Logger,
) (*gin.Engine, error) {
	router := gin.New()
	router.RemoteIPHeaders = ClientIPHeaders
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(gin.Recovery(), RequestLogger(logger), MetricsMiddleware())

	handlers := NewAuthHandlers(authService, keys, logger)

	router.GET("/health", handlers.Health)
	router.GET("/.well-known/jwks.json", handlers.JWKS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Sign-in routes
	siwe := router.Group("/siwe")
	siwe.Use(RateLimitMiddleware(limiter, logger))
	{
		siwe.GET("/nonce", handlers.Nonce)
		siwe.POST("/verify", handlers.Verify)
		siwe.POST("/verify/refresh", handlers.Refresh)
		siwe.POST("/verify/token", handlers.VerifyToken)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService, logger))
	{
		api.GET("/me", handlers.Me)
	}

	return router, nil
}
