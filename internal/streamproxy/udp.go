package streamproxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/balancer"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// UDPConfig controls one UDP stream proxy listener.
type UDPConfig struct {
	IdleTimeout time.Duration
	BufferSize  int
}

type udpSession struct {
	backendConn *net.UDPConn
	server      *upstream.Server
	lastSeen    time.Time
}

// UDPProxy forwards packets per-client to a chosen backend, keeping an
// ephemeral session table keyed by client address so a client's packets
// keep hitting the same backend until the session goes idle.
type UDPProxy struct {
	cfg      UDPConfig
	group    *upstream.Group
	sessions *balancer.SessionTable
	logger   *slog.Logger

	conn *net.UDPConn

	mu       sync.Mutex
	byClient map[string]*udpSession

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewUDP builds a UDPProxy forwarding to group.
func NewUDP(group *upstream.Group, cfg UDPConfig, logger *slog.Logger) *UDPProxy {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 65535
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPProxy{
		cfg: cfg, group: group, sessions: balancer.NewSessionTable(), logger: logger,
		byClient: map[string]*udpSession{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run listens on addr, forwarding packets until ctx is cancelled.
func (p *UDPProxy) Run(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	p.conn = conn

	go p.sweepLoop(ctx)

	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close()
				return nil
			}
			continue
		}
		p.forward(ctx, clientAddr, buf[:n])
	}
}

func (p *UDPProxy) forward(ctx context.Context, clientAddr *net.UDPAddr, data []byte) {
	key := clientAddr.String()

	p.mu.Lock()
	sess, ok := p.byClient[key]
	p.mu.Unlock()

	if !ok {
		server, err := balancer.Select(p.group, balancer.Request{ClientIP: clientAddr.IP.String()}, p.sessions)
		if err != nil {
			p.logger.Warn("udp stream proxy: no available backend", "error", err)
			return
		}
		backendAddr, err := net.ResolveUDPAddr("udp", server.Address)
		if err != nil {
			return
		}
		backendConn, err := net.DialUDP("udp", nil, backendAddr)
		if err != nil {
			p.logger.Warn("udp stream proxy: backend dial failed", "server", server.Address, "error", err)
			return
		}
		sess = &udpSession{backendConn: backendConn, server: server}

		p.mu.Lock()
		p.byClient[key] = sess
		p.mu.Unlock()

		go p.pumpBack(clientAddr, sess)
	}

	p.mu.Lock()
	sess.lastSeen = time.Now()
	p.mu.Unlock()

	_, _ = sess.backendConn.Write(data)
}

// pumpBack relays backend responses back to the originating client for
// the lifetime of the session's UDP socket.
func (p *UDPProxy) pumpBack(clientAddr *net.UDPAddr, sess *udpSession) {
	buf := make([]byte, p.cfg.BufferSize)
	for {
		n, err := sess.backendConn.Read(buf)
		if err != nil {
			return
		}
		if p.conn != nil {
			_, _ = p.conn.WriteToUDP(buf[:n], clientAddr)
		}
	}
}

func (p *UDPProxy) sweepLoop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *UDPProxy) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var stale []string
	for key, sess := range p.byClient {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		p.byClient[key].backendConn.Close()
		delete(p.byClient, key)
	}
	p.mu.Unlock()
}

// Close stops the proxy and releases its socket.
func (p *UDPProxy) Close() error {
	close(p.stopCh)
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
