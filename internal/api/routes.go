package api

import (
	"github.com/gin-gonic/gin"
	"github.com/kestrelproxy/kestrel/internal/api/handlers"
	"github.com/kestrelproxy/kestrel/internal/api/middleware"
	"github.com/kestrelproxy/kestrel/internal/config"
)

// RegisterRoutes wires the management API's health, upstream
// administration, and statistics endpoints onto r.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.APIConfig) {
	api := r.Group("/api/v1")

	if cfg != nil && cfg.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/health/upstream/:name", h.UpstreamHealth)
	api.GET("/health/server/:address", h.ServerHealthDetail)
	api.POST("/health/server/:address/check", h.CheckServer)
	api.POST("/health/server/:address/enable", h.EnableServer)
	api.POST("/health/server/:address/disable", h.DisableServer)

	api.GET("/stats", h.Stats)
}
