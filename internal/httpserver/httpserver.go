// Package httpserver implements the worker event loop (C11): it accepts
// HTTP/HTTPS connections across a fixed-capacity connection-slot pool
// and dispatches them to net/http's request handling.
//
// Go's net/http already runs one goroutine per connection scheduled
// cooperatively across GOMAXPROCS OS threads, which is the runtime's
// own translation of an event-notification-driven worker loop -- so
// rather than hand-roll an epoll readiness loop, this package keeps
// internal/server/tcp_server.go's worker shape (one SO_REUSEPORT
// listener per CPU core, so the kernel spreads accepts across them) and
// layers the spec's slot-pool accounting (fixed capacity, back-pressure,
// idle sweep) on top as a net.Listener wrapper that net/http's Server
// accepts through unmodified.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Defaults match spec's C11 worker event loop constants.
const (
	DefaultCapacity    = 1000
	DefaultAcceptBatch = 32
	SweepInterval       = 30 * time.Second
	IdleEvictAfter      = 5 * time.Minute
)

// Config controls listener capacity and lifecycle.
type Config struct {
	Capacity    int
	IdleTimeout time.Duration
	TLSConfig   *tls.Config // non-nil enables TLS termination on this listener
}

// Server accepts connections across one or more SO_REUSEPORT listener
// sockets per configured address, bounding concurrent connections with
// a fixed-size slot pool and evicting idle connections on a sweep.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
	pools     []*slotPool

	wg sync.WaitGroup
}

// New builds a Server that dispatches accepted connections to handler.
func New(handler http.Handler, cfg Config, logger *slog.Logger) *Server {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = IdleEvictAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, handler: handler}
}

// Listen starts one SO_REUSEPORT listener per CPU core bound to addr,
// each wrapped in its own capacity-bounded slot pool, and serves HTTP
// (or HTTPS, when cfg.TLSConfig is set) on all of them. It returns once
// every listener is accepting.
func (s *Server) Listen(ctx context.Context, addr string) error {
	socketCount := runtime.NumCPU()
	if socketCount < 1 {
		socketCount = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < socketCount; i++ {
		ln, err := listenReusePort(ctx, addr)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			return err
		}

		pool := newSlotPool(s.cfg.Capacity, s.cfg.IdleTimeout, s.logger)
		wrapped := pool.wrap(ln)

		httpSrv := &http.Server{Handler: s.handler}
		if s.cfg.TLSConfig != nil {
			httpSrv.TLSConfig = s.cfg.TLSConfig
		}

		s.listeners = append(s.listeners, ln)
		s.servers = append(s.servers, httpSrv)
		s.pools = append(s.pools, pool)

		srv := httpSrv
		l := wrapped
		useTLS := s.cfg.TLSConfig != nil
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var err error
			if useTLS {
				err = srv.ServeTLS(l, "", "")
			} else {
				err = srv.Serve(l)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("listener serve failed", "addr", addr, "error", err)
			}
		}()

		pool.startSweep(ctx)
	}

	return nil
}

// Shutdown gracefully stops every listener, waiting until ctx is done
// for in-flight connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := append([]*http.Server(nil), s.servers...)
	pools := append([]*slotPool(nil), s.pools...)
	s.mu.Unlock()

	for _, p := range pools {
		p.stopSweep()
	}

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}

func listenReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
