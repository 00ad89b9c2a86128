// Package proxy implements the proxy forwarder (C9): given a chosen
// backend server, it rewrites the inbound request, opens the backend
// connection with a bounded connect timeout, and relays the response.
//
// Connection handling and outcome bookkeeping (latency on success,
// consecutive-failure counting on failure) follow the dial/retry/
// record-outcome shape of internal/resolvers/forwarding_resolver.go's
// queryOneAttempt, translated from a pooled-UDP-socket model to Go's
// http.Transport connection pooling.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 --
// these are connection-scoped and must not be relayed to the backend.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config controls connect/read timeouts and the load-balancer identity
// kestrel advertises to backends.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	InsecureTLS    bool // skip backend certificate verification (proxy_pass https://...)
	Identifier     string
	Rise           int // consecutive successes before RecordLatency's caller marks a server UP
	Fall           int // consecutive failures before a server is marked DOWN
}

// Forwarder opens backend connections and relays requests/responses.
type Forwarder struct {
	cfg       Config
	transport *http.Transport
	logger    *slog.Logger
}

// New builds a Forwarder. A dedicated *http.Transport is used (rather
// than http.DefaultTransport) so the connect timeout and response
// header timeout are scoped to proxied traffic only.
func New(cfg Config, logger *slog.Logger) *Forwarder {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Identifier == "" {
		cfg.Identifier = "kestrel"
	}
	if cfg.Rise <= 0 {
		cfg.Rise = 2
	}
	if cfg.Fall <= 0 {
		cfg.Fall = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
		DisableKeepAlives:     true, // Connection: close is always appended to the forwarded request
	}

	return &Forwarder{cfg: cfg, transport: transport, logger: logger}
}

// RewriteRequest builds the outbound request sent to backendAddr: same
// method and original URI, Host rewritten to the backend, hop-by-hop
// headers stripped and replaced with Connection: close, and the
// standard forwarding headers added.
func (f *Forwarder) RewriteRequest(ctx context.Context, orig *http.Request, scheme, backendAddr, clientIP string) (*http.Request, error) {
	url := *orig.URL
	url.Scheme = scheme
	url.Host = backendAddr

	out, err := http.NewRequestWithContext(ctx, orig.Method, url.String(), orig.Body)
	if err != nil {
		return nil, err
	}
	out.Header = orig.Header.Clone()
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.Header.Set("Connection", "close")
	out.Header.Set("Host", backendAddr)
	out.Host = backendAddr

	appendForwardedFor(out.Header, clientIP)
	out.Header.Set("X-Real-IP", clientIP)
	proto := "http"
	if orig.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-By", f.cfg.Identifier)
	out.Header.Set("X-Request-Id", uuid.NewString())

	return out, nil
}

func appendForwardedFor(header http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if existing := header.Get("X-Forwarded-For"); existing != "" {
		header.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	header.Set("X-Forwarded-For", clientIP)
}

// ErrBadGateway wraps a transport-level failure talking to the backend
// that is not a timeout; callers translate it to a synthetic 502 response.
type ErrBadGateway struct {
	Cause error
}

func (e *ErrBadGateway) Error() string { return fmt.Sprintf("bad gateway: %v", e.Cause) }
func (e *ErrBadGateway) Unwrap() error { return e.Cause }

// ErrGatewayTimeout wraps a transport failure caused by the backend
// exceeding its connect or response-header deadline; callers translate it
// to a synthetic 504 response rather than ErrBadGateway's 502.
type ErrGatewayTimeout struct {
	Cause error
}

func (e *ErrGatewayTimeout) Error() string { return fmt.Sprintf("gateway timeout: %v", e.Cause) }
func (e *ErrGatewayTimeout) Unwrap() error { return e.Cause }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Forward sends req to server, tracking active-connection count, latency,
// and the success/failure health signal on the chosen server for the
// duration of the call. On any transport failure it records the failure
// against server and returns ErrGatewayTimeout for a timeout or
// ErrBadGateway otherwise; on success it records the
// moving-average latency and a health success.
func (f *Forwarder) Forward(ctx context.Context, server *upstream.Server, req *http.Request) (*http.Response, error) {
	server.IncrConn()
	defer server.DecrConn()

	start := time.Now()
	resp, err := f.transport.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		f.logger.Warn("backend request failed", "server", server.Address, "error", err)
		if r := server.RecordFailure(f.cfg.Fall); r.Changed {
			f.logger.Info("upstream health transition", "server", server.Address, "to", r.NewStatus.String())
		}
		if isTimeout(err) {
			return nil, &ErrGatewayTimeout{Cause: err}
		}
		return nil, &ErrBadGateway{Cause: err}
	}

	server.RecordLatency(elapsed)
	if r := server.RecordSuccess(f.cfg.Rise); r.Changed {
		f.logger.Info("upstream health transition", "server", server.Address, "to", r.NewStatus.String())
	}
	return resp, nil
}

// CopyResponse streams resp's body to dst, honoring either
// Content-Length or chunked transfer-encoding (net/http already
// de-chunks the backend response; CopyResponse simply relays the
// decoded body bytes, leaving re-framing to the caller's own writer).
func CopyResponse(dst io.Writer, resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	return io.Copy(dst, resp.Body)
}

// BackendFromProxyPass parses an nginx-style `proxy_pass` target into a
// scheme and host:port pair. Bare "upstream-name" targets (no scheme)
// are returned with an empty scheme, signaling the caller to resolve
// the name via an upstream group instead of dialing it directly.
func BackendFromProxyPass(target string) (scheme, hostPort string) {
	if idx := strings.Index(target, "://"); idx != -1 {
		scheme = target[:idx]
		hostPort = strings.TrimSuffix(target[idx+3:], "/")
		return scheme, hostPort
	}
	return "", target
}
