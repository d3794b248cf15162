package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Conversly/wa-orchestrator/internal/config"
	"github.com/Conversly/wa-orchestrator/internal/controllers"
	"github.com/Conversly/wa-orchestrator/internal/loaders"
)

// SetupHealthRoutes configures health check and system endpoints
func SetupHealthRoutes(router *gin.Engine, db *loaders.PostgresClient, cfg *config.Config) {
	healthController := controllers.NewHealthController(db)
	systemController := controllers.NewSystemController(cfg)

	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Health check endpoints
	router.GET("/health", healthController.HealthCheck)
	router.GET("/health/live", healthController.Liveness)
	router.GET("/health/ready", healthController.Readiness)

	// System endpoints
	router.GET("/status", systemController.Status)
	router.GET("/info", systemController.Info)
}
