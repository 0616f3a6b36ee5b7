// Package router registers the fincheck HTTP routes.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/fincheck/internal/fincheck/handler"
)

// Register registers the fincheck routes on engine.
func Register(engine *gin.Engine, h *handler.Handler) {
	logger.Info("Registering fincheck routes...")

	engine.GET("/healthz", h.Healthz)
	engine.GET("/version", h.Version)
	engine.GET("/metrics", h.Metrics)

	v1 := engine.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("/:id", h.GetSession)
			sessions.DELETE("/:id", h.DeleteSession)
			sessions.POST("/:id/document", h.UploadDocument)
			sessions.POST("/:id/text", h.IngestText)
			sessions.POST("/:id/ask", h.Ask)
		}

		v1.GET("/topics", h.Topics)
		v1.GET("/stats", h.Stats)
	}

	logger.Info("HTTP routes registered")
}
