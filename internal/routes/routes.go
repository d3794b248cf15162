package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/Conversly/wa-orchestrator/internal/config"
	"github.com/Conversly/wa-orchestrator/internal/loaders"
	"github.com/Conversly/wa-orchestrator/internal/middleware"
	"github.com/Conversly/wa-orchestrator/internal/webhook"
)

// SetupRoutes configures all application routes
func SetupRoutes(router *gin.Engine, db *loaders.PostgresClient, cfg *config.Config, webhookCtrl *webhook.Controller) {
	// Apply global middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.RequestID())

	// Setup route groups
	SetupHealthRoutes(router, db, cfg)
	webhook.RegisterRoutes(router, webhookCtrl)
	Setup404Handler(router)
}
