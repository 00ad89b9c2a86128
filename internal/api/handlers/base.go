// Package handlers implements the REST API endpoint handlers for
// kestrel's management API.
//
// @title kestrel Management API
// @version 1.0
// @description REST API for inspecting and controlling a running kestrel edge proxy: health checks, upstream administration, and runtime statistics.
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8081
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"time"

	"github.com/kestrelproxy/kestrel/internal/healthcheck"
	"github.com/kestrelproxy/kestrel/internal/pipeline"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// Handler contains dependencies for API handlers.
type Handler struct {
	logger    *slog.Logger
	startTime time.Time

	pool     *upstream.Pool
	checkers *healthcheck.Manager
	pipeline *pipeline.Handler
}

// New creates a new Handler wired to the running proxy's components.
func New(pool *upstream.Pool, checkers *healthcheck.Manager, ph *pipeline.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		startTime: time.Now(),
		pool:      pool,
		checkers:  checkers,
		pipeline:  ph,
	}
}
