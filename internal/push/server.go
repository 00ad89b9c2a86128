package push

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Server hosts the push endpoints on their own listener, independent
// of the management API and the HTTP proxy front end.
type Server struct {
	manager    *Manager
	handler    *Handler
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer builds a push Server listening on addr, with manager
// driving its heartbeat/sweep loop and history-backed backlog replay.
func NewServer(addr string, manager *Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := NewHandler(manager, logger)
	h.RegisterRoutes(engine)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: SSE streams are intentionally long-lived.
		IdleTimeout: 0,
	}

	return &Server{manager: manager, handler: h, logger: logger, engine: engine, httpServer: httpServer}
}

// Run starts the manager's background loop and blocks serving HTTP
// until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context) error {
	s.manager.Start(ctx)
	defer s.manager.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the server's configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
