package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/editionworks/fulfillment/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth)
	router.GET("/health", handler.HealthCheck)

	// Payment processor deliveries are authenticated by HMAC signature,
	// not by the operator auth middleware
	router.POST("/webhooks/payment", handler.HandlePaymentWebhook)

	// Download redemption (the token itself is the credential)
	router.GET("/downloads/:token", handler.RedeemDownload)

	// Operator endpoints (requires JWT or API key authentication)
	admin := router.Group("/admin", middleware.Auth(authCfg))
	{
		admin.GET("/mint-attempts", handler.ListMintAttempts)
		admin.POST("/mint-attempts/:id/requeue", handler.RequeueMintAttempt)
		admin.POST("/purchases/:id/resend-email", handler.ResendDownloadEmail)
	}
}
