// Package streamproxy implements the stream proxy (C12): raw TCP and
// UDP forwarding listeners, each bound to an upstream group.
//
// TCPProxy repurposes internal/server/tcp_server.go's accept-loop shape
// (one goroutine per accepted connection, shared context for cooperative
// shutdown) for a bidirectional splice instead of DNS message framing.
package streamproxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/balancer"
	"github.com/kestrelproxy/kestrel/internal/pool"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// spliceBufferSize matches net.TCPConn's typical read size; pooling these
// avoids a fresh 32KB allocation per io.Copy direction on every splice.
const spliceBufferSize = 32 * 1024

var splicePool = pool.New(func() []byte { return make([]byte, spliceBufferSize) })

// TCPConfig controls one TCP stream proxy listener.
type TCPConfig struct {
	ConnectTimeout time.Duration
}

// TCPProxy accepts client connections and splices each to a backend
// chosen from an upstream group.
type TCPProxy struct {
	cfg      TCPConfig
	group    *upstream.Group
	sessions *balancer.SessionTable
	logger   *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCP builds a TCPProxy forwarding to group.
func NewTCP(group *upstream.Group, cfg TCPConfig, logger *slog.Logger) *TCPProxy {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPProxy{cfg: cfg, group: group, sessions: balancer.NewSessionTable(), logger: logger}
}

// Run listens on addr and serves connections until ctx is cancelled.
func (p *TCPProxy) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				p.wg.Wait()
				return nil
			}
			return err
		}

		c := conn
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, c)
		}()
	}
}

func (p *TCPProxy) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	clientIP := hostOf(client.RemoteAddr())
	server, err := balancer.Select(p.group, balancer.Request{ClientIP: clientIP}, p.sessions)
	if err != nil {
		p.logger.Warn("stream proxy: no available backend", "error", err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	backend, err := d.DialContext(dialCtx, "tcp", server.Address)
	if err != nil {
		p.logger.Warn("stream proxy: backend dial failed", "server", server.Address, "error", err)
		if r := server.RecordFailure(3); r.Changed {
			p.logger.Info("upstream health transition", "server", server.Address, "to", r.NewStatus.String())
		}
		return
	}
	defer backend.Close()

	server.IncrConn()
	defer server.DecrConn()

	splice(client, backend)
}

// splice copies bytes in both directions until either side closes,
// half-closing the opposite side on EOF -- spec's "on either side EOF,
// half-closes the other and exits" bidirectional loop, expressed with
// io.CopyBuffer plus a WaitGroup instead of a manual readiness
// multiplexer (net.Conn's blocking Read/Write already yields to the
// Go scheduler).
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := splicePool.Get()
		defer splicePool.Put(buf)
		io.CopyBuffer(b, a, buf)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		buf := splicePool.Get()
		defer splicePool.Put(buf)
		io.CopyBuffer(a, b, buf)
		closeWrite(a)
	}()

	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Close stops accepting new connections.
func (p *TCPProxy) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}
