package handlers

import (
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the HTTP surface. Analysis and upload routes live
// under /api/v1; health is served at the root for load balancers.
func NewRouter(cfg config.Config, analysisHandler *AnalysisHandler, uploadHandler *UploadHandler, log *logger.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", analysisHandler.HealthCheck)

	api := router.Group("/api/v1")
	analysisHandler.RegisterRoutes(api)
	uploadHandler.RegisterRoutes(api)

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		log.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(startTime).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
