// Package api provides the management REST API for kestrel: health
// summaries, per-upstream and per-server status, manual health-check
// triggers, enable/disable administration, and runtime statistics.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kestrelproxy/kestrel/internal/api/handlers"
	"github.com/kestrelproxy/kestrel/internal/api/middleware"
	"github.com/kestrelproxy/kestrel/internal/config"
	"github.com/kestrelproxy/kestrel/internal/healthcheck"
	"github.com/kestrelproxy/kestrel/internal/pipeline"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// Server is the management REST API server.
//
// Security note: do not expose the API to untrusted networks without
// setting APIConfig.APIKey.
type Server struct {
	cfg        config.APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a management API server wired to the running proxy's
// upstream pool, health-check manager, and request pipeline (for
// statistics). ph may be nil if request-serving stats are not needed.
func New(cfg config.APIConfig, pool *upstream.Pool, checkers *healthcheck.Manager, ph *pipeline.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(pool, checkers, ph, logger)
	RegisterRoutes(engine, h, &cfg)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
