package api

import (
	authUsecase "mailpilot-backend/internal/auth/usecase"
	mailDelivery "mailpilot-backend/internal/mail/delivery"
	mailUsecase "mailpilot-backend/internal/mail/usecase"
	"mailpilot-backend/pkg/config"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	authUsecase authUsecase.AuthUsecase
	mailHandler *mailDelivery.MailHandler
	config      *config.Config
}

func NewHandler(authUc authUsecase.AuthUsecase, pipeline *mailUsecase.IngestionPipeline, cfg *config.Config) *Handler {
	return &Handler{
		authUsecase: authUc,
		mailHandler: mailDelivery.NewMailHandler(pipeline),
		config:      cfg,
	}
}

func (h *Handler) Start(addr string) error {
	r := gin.Default()
	gin.SetMode(gin.ReleaseMode)

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Setup routes
	SetupRoutes(r, h.authUsecase, h.mailHandler)

	return r.Run(addr)
}
