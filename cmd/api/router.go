package api

import (
	"net/http"

	"mailpilot-backend/internal/auth/delivery"
	authUsecase "mailpilot-backend/internal/auth/usecase"
	mailDelivery "mailpilot-backend/internal/mail/delivery"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, authUsecase authUsecase.AuthUsecase, mailHandler *mailDelivery.MailHandler) {
	authHandler := delivery.NewAuthHandler(authUsecase)

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Pub/Sub push webhook. Authenticated by Pub/Sub itself, not by
		// user JWTs.
		api.POST("/notifications/gmail", mailHandler.HandleGmailPush)

		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/register", authHandler.Register)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.GET("/me", delivery.AuthMiddleware(authUsecase), authHandler.Me)
		}

		// Sync routes (protected)
		sync := api.Group("/sync")
		sync.Use(delivery.AuthMiddleware(authUsecase))
		{
			sync.POST("/resync", mailHandler.Resync)
		}

		// Watch routes (protected)
		watch := api.Group("/watch")
		watch.Use(delivery.AuthMiddleware(authUsecase))
		{
			watch.POST("", mailHandler.StartWatch)
			watch.DELETE("", mailHandler.StopWatch)
		}

		// Message routes (protected)
		messages := api.Group("/messages")
		messages.Use(delivery.AuthMiddleware(authUsecase))
		{
			messages.GET("", mailHandler.GetMessages)
		}
	}
}
