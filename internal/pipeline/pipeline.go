// Package pipeline implements the request pipeline (C10): the
// per-request orchestration that ties routing, caching, compression,
// bandwidth shaping, and backend forwarding together into a single
// net/http handler.
//
// The per-request timeout enforcement (a goroutine racing the backend
// call against a timer) is adapted from
// internal/server/query_handler.go's Handle/resolveWithTimeout, kept in
// spirit though simplified: net/http already cancels a handler's
// request context when the client disconnects or the server's
// WriteTimeout fires, so the explicit timer here only needs to bound
// the backend round trip itself.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kestrelproxy/kestrel/internal/balancer"
	"github.com/kestrelproxy/kestrel/internal/bucket"
	"github.com/kestrelproxy/kestrel/internal/cache"
	"github.com/kestrelproxy/kestrel/internal/compress"
	"github.com/kestrelproxy/kestrel/internal/proxy"
	"github.com/kestrelproxy/kestrel/internal/router"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// SecurityHeaders are applied to every response when configured, per
// spec's HSTS/XFO/CSP/XCTO/XSS/Referrer-Policy directive set.
type SecurityHeaders struct {
	HSTS                  string
	FrameOptions          string
	ContentSecurityPolicy string
	ContentTypeOptions    string
	XSSProtection         string
	ReferrerPolicy        string
}

// Config bundles the directive-level settings the pipeline consults on
// every request.
type Config struct {
	ServerName      string
	BackendTimeout  time.Duration
	ErrorPages      map[int]string // status code -> static file path
	SecurityHeaders SecurityHeaders
	IndexFiles      []string // tried in order when URI resolves to a directory
	Retries         int      // extra attempts against a re-selected backend after a connect/transport failure
}

// Handler implements the full request lifecycle as an http.Handler.
type Handler struct {
	cfg        Config
	router     *router.Router
	cache      *cache.Cache
	cacheOpts  cache.FingerprintOptions
	cacheMime  []string
	cacheMin   int64
	cacheMax   int64
	compressor *compress.Compressor
	bandwidth  *bucket.RuleSet
	upstreams  *upstream.Pool
	forwarder  *proxy.Forwarder
	sessions   *balancer.SessionTable
	logger     *slog.Logger
	accessLog  func(Entry)
	stats      Stats
}

// Stats holds request-serving counters surfaced by the management API's
// /stats endpoint. All fields are updated with atomic operations so
// ServeHTTP never takes a lock to record them.
type Stats struct {
	requestsTotal  atomic.Uint64
	requestsActive atomic.Int64
	bytesSent      atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	latencyTotalNs atomic.Uint64
}

// StatsSnapshot is a point-in-time read of Stats.
type StatsSnapshot struct {
	RequestsTotal  uint64
	RequestsActive int64
	BytesSent      uint64
	CacheHits      uint64
	CacheMisses    uint64
	AvgLatencyMs   float64
}

// Snapshot returns the handler's current request-serving counters.
func (h *Handler) Snapshot() StatsSnapshot {
	total := h.stats.requestsTotal.Load()
	avg := 0.0
	if total > 0 {
		avg = float64(h.stats.latencyTotalNs.Load()) / float64(total) / float64(time.Millisecond)
	}
	return StatsSnapshot{
		RequestsTotal:  total,
		RequestsActive: h.stats.requestsActive.Load(),
		BytesSent:      h.stats.bytesSent.Load(),
		CacheHits:      h.stats.cacheHits.Load(),
		CacheMisses:    h.stats.cacheMisses.Load(),
		AvgLatencyMs:   avg,
	}
}

// Entry is one access-log record, step 10 of the pipeline.
type Entry struct {
	Method   string
	Host     string
	URI      string
	Status   int
	Bytes    int64
	Duration time.Duration
	Upstream string
}

// New builds a pipeline Handler. accessLog may be nil, in which case
// entries are dropped.
func New(
	cfg Config,
	r *router.Router,
	c *cache.Cache,
	cacheOpts cache.FingerprintOptions,
	cacheMime []string,
	cacheMin, cacheMax int64,
	compressor *compress.Compressor,
	bandwidth *bucket.RuleSet,
	upstreams *upstream.Pool,
	forwarder *proxy.Forwarder,
	sessions *balancer.SessionTable,
	logger *slog.Logger,
	accessLog func(Entry),
) *Handler {
	if cfg.ServerName == "" {
		cfg.ServerName = "kestrel"
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 30 * time.Second
	}
	if len(cfg.IndexFiles) == 0 {
		cfg.IndexFiles = []string{"index.html"}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if accessLog == nil {
		accessLog = func(Entry) {}
	}
	return &Handler{
		cfg: cfg, router: r, cache: c, cacheOpts: cacheOpts,
		cacheMime: cacheMime, cacheMin: cacheMin, cacheMax: cacheMax,
		compressor: compressor, bandwidth: bandwidth, upstreams: upstreams,
		forwarder: forwarder, sessions: sessions, logger: logger, accessLog: accessLog,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.stats.requestsActive.Add(1)
	defer h.stats.requestsActive.Add(-1)

	// Step 2 (partial): path traversal guard. net/http has already
	// parsed the request line; malformed input never reaches here.
	if containsDotDot(r.URL.Path) {
		h.writeError(rec, r, http.StatusForbidden, "forbidden")
		h.logAccess(r, rec, start, "")
		return
	}

	// Step 3: route.
	match, err := h.router.Resolve(r.Host, r.URL.Path)
	if err != nil {
		h.writeError(rec, r, http.StatusNotFound, "not found")
		h.logAccess(r, rec, start, "")
		return
	}

	// Step 4: pre-flight header extraction happens implicitly via r.Header.

	fingerprint := ""
	cacheable := h.cache != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead)
	if cacheable {
		fingerprint = cache.Fingerprint(r.Method, match.Host, r.URL.Path, r.URL.RawQuery, r.Header, h.cacheOpts)

		// Step 5: cache check.
		if entry, hit := h.cache.Get(fingerprint); hit {
			h.stats.cacheHits.Add(1)
			if cache.NotModified(entry, r.Header.Get("If-None-Match"), parseIfModifiedSince(r.Header.Get("If-Modified-Since"))) {
				rec.Header().Set("ETag", entry.ETag)
				rec.WriteHeader(http.StatusNotModified)
				h.logAccess(r, rec, start, "")
				return
			}
			h.serveCached(rec, r, entry)
			h.logAccess(r, rec, start, "")
			return
		}
		h.stats.cacheMisses.Add(1)
	}

	// Step 6: handle.
	var upstreamName string
	var body []byte
	var status int
	var contentType string
	var header http.Header
	var mtime time.Time

	if match.Upstream != "" {
		upstreamName = match.Upstream
		status, contentType, header, body, mtime, err = h.handleProxy(r, match)
		if err != nil {
			var gwTimeout *proxy.ErrGatewayTimeout
			if errors.As(err, &gwTimeout) {
				h.writeError(rec, r, http.StatusGatewayTimeout, "gateway timeout")
			} else {
				h.writeError(rec, r, http.StatusBadGateway, "bad gateway")
			}
			h.logAccess(r, rec, start, upstreamName)
			return
		}
	} else {
		status, contentType, header, body, mtime, err = h.handleStatic(match, r.URL.Path)
		if err != nil {
			h.writeError(rec, r, http.StatusNotFound, "not found")
			h.logAccess(r, rec, start, "")
			return
		}
	}

	// ETag/Last-Modified are computed over the payload before compression
	// mutates it, so a gzip and identity variant of the same resource
	// validate against the same tag.
	etag := cache.ComputeETag(body, mtime, int64(len(body)))

	// Step 7: output policies -- bandwidth rule + compression eligibility.
	limiter := h.bandwidth.Match(r.URL.Path)
	acceptEncoding := r.Header.Get("Accept-Encoding")
	compressed := false
	if h.compressor != nil && h.compressor.Eligible(len(body), contentType, acceptEncoding) {
		if out, ok := h.compressor.Compress(body); ok {
			body = out
			compressed = true
		}
	}

	// Step 8: emit response.
	h.applyHeaders(rec, header)
	h.applySecurityHeaders(rec, status)
	rec.Header().Set("Server", h.cfg.ServerName)
	rec.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	rec.Header().Set("ETag", etag)
	if !mtime.IsZero() {
		rec.Header().Set("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	}
	if contentType != "" {
		rec.Header().Set("Content-Type", contentType)
	}
	if compressed {
		rec.Header().Set("Content-Encoding", "gzip")
	}
	if h.compressor != nil {
		rec.Header().Set("Vary", "Accept-Encoding")
	}
	rec.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rec.WriteHeader(status)

	if limiter != nil {
		_, _ = bucket.Send(r.Context(), rec, bytes.NewReader(body), bucket.SocketChunkSize, limiter)
	} else {
		_, _ = rec.Write(body)
	}

	// Step 9: cache insertion.
	if cacheable && status == http.StatusOK && fingerprint != "" {
		h.maybeCacheInsert(fingerprint, status, contentType, header, body, compressed, etag, mtime)
	}

	h.logAccess(r, rec, start, upstreamName)
}

func (h *Handler) serveCached(rec *statusRecorder, r *http.Request, entry *cache.Entry) {
	for k, vs := range entry.Header {
		for _, v := range vs {
			rec.Header().Add(k, v)
		}
	}
	h.applySecurityHeaders(rec, entry.Status)
	rec.Header().Set("Server", h.cfg.ServerName)
	if entry.ETag != "" {
		rec.Header().Set("ETag", entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		rec.Header().Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	}
	if entry.ContentType != "" {
		rec.Header().Set("Content-Type", entry.ContentType)
	}
	if entry.Compressed {
		rec.Header().Set("Content-Encoding", "gzip")
	}
	if h.compressor != nil {
		rec.Header().Set("Vary", "Accept-Encoding")
	}
	rec.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	rec.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = rec.Write(entry.Body)
	}
}

func (h *Handler) maybeCacheInsert(fingerprint string, status int, contentType string, header http.Header, body []byte, compressed bool, etag string, mtime time.Time) {
	if !cache.IsCacheableMime(contentType, h.cacheMime) {
		return
	}
	size := int64(len(body))
	if h.cacheMin > 0 && size < h.cacheMin {
		return
	}
	if h.cacheMax > 0 && size > h.cacheMax {
		return
	}
	entry := &cache.Entry{
		Status:       status,
		Header:       map[string][]string(header),
		Body:         body,
		ContentType:  contentType,
		ETag:         etag,
		LastModified: mtime,
		Compressed:   compressed,
	}
	h.cache.Set(fingerprint, entry)
}

// handleProxy forwards the request to a selected backend, running
// backend selection again (which may return the same server) and
// retrying up to cfg.Retries times when the failure
// is a connect/transport error. A timeout against the chosen backend is
// never retried -- it propagates as *proxy.ErrGatewayTimeout so the caller
// can surface 504 rather than masking a slow backend as a blanket 502.
func (h *Handler) handleProxy(r *http.Request, match *router.Match) (status int, contentType string, header http.Header, body []byte, mtime time.Time, err error) {
	group, ok := h.upstreams.Group(match.Upstream)
	if !ok {
		return 0, "", nil, nil, time.Time{}, fmt.Errorf("pipeline: unknown upstream group %q", match.Upstream)
	}

	clientIP := clientIPFromRequest(r)
	sessionID := sessionIDFromRequest(r)

	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		server, selErr := balancer.Select(group, balancer.Request{ClientIP: clientIP, SessionID: sessionID}, h.sessions)
		if selErr != nil {
			return 0, "", nil, nil, time.Time{}, selErr
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.BackendTimeout)
		defer cancel()

		outReq, buildErr := h.forwarder.RewriteRequest(ctx, r, "http", server.Address, clientIP)
		if buildErr != nil {
			return 0, "", nil, nil, time.Time{}, buildErr
		}

		resp, fwdErr := h.forwarder.Forward(ctx, server, outReq)
		if fwdErr != nil {
			var gwTimeout *proxy.ErrGatewayTimeout
			if errors.As(fwdErr, &gwTimeout) {
				return 0, "", nil, nil, time.Time{}, fwdErr
			}
			lastErr = fwdErr
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return 0, "", nil, nil, time.Time{}, readErr
		}

		var respMtime time.Time
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, perr := http.ParseTime(lm); perr == nil {
				respMtime = t
			}
		}
		return resp.StatusCode, resp.Header.Get("Content-Type"), resp.Header, data, respMtime, nil
	}
	return 0, "", nil, nil, time.Time{}, lastErr
}

func (h *Handler) handleStatic(match *router.Match, uri string) (status int, contentType string, header http.Header, body []byte, mtime time.Time, err error) {
	if match.StaticDir == "" {
		return 0, "", nil, nil, time.Time{}, errors.New("pipeline: no static root configured for route")
	}

	rel := strings.TrimPrefix(uri, match.Location)
	rel = strings.TrimPrefix(rel, "/")
	fullPath := filepath.Join(match.StaticDir, rel)

	info, statErr := os.Stat(fullPath)
	if statErr == nil && info.IsDir() {
		for _, idx := range h.cfg.IndexFiles {
			candidate := filepath.Join(fullPath, idx)
			if idxInfo, idxErr := os.Stat(candidate); idxErr == nil {
				fullPath = candidate
				info = idxInfo
				break
			}
		}
	}

	data, readErr := os.ReadFile(fullPath)
	if readErr != nil {
		return 0, "", nil, nil, time.Time{}, readErr
	}

	var modTime time.Time
	if info, statErr = os.Stat(fullPath); statErr == nil {
		modTime = info.ModTime()
	}

	ctype := contentTypeForExt(filepath.Ext(fullPath))
	return http.StatusOK, ctype, http.Header{}, data, modTime, nil
}

func (h *Handler) applyHeaders(w http.ResponseWriter, upstreamHeader http.Header) {
	for k, vs := range upstreamHeader {
		if isHopByHop(k) || k == "Content-Type" || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
}

func (h *Handler) applySecurityHeaders(w http.ResponseWriter, status int) {
	sh := h.cfg.SecurityHeaders
	if sh.HSTS != "" {
		w.Header().Set("Strict-Transport-Security", sh.HSTS)
	}
	if sh.FrameOptions != "" {
		w.Header().Set("X-Frame-Options", sh.FrameOptions)
	}
	if sh.ContentSecurityPolicy != "" {
		w.Header().Set("Content-Security-Policy", sh.ContentSecurityPolicy)
	}
	if sh.ContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.ContentTypeOptions)
	}
	if sh.XSSProtection != "" {
		w.Header().Set("X-XSS-Protection", sh.XSSProtection)
	}
	if sh.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", sh.ReferrerPolicy)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, fallbackBody string) {
	if path, ok := h.cfg.ErrorPages[status]; ok {
		if data, err := os.ReadFile(path); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(status)
			_, _ = w.Write(data)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(fallbackBody)))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fallbackBody))
}

func (h *Handler) logAccess(r *http.Request, rec *statusRecorder, start time.Time, upstreamName string) {
	elapsed := time.Since(start)

	h.stats.requestsTotal.Add(1)
	h.stats.bytesSent.Add(uint64(rec.bytes))
	h.stats.latencyTotalNs.Add(uint64(elapsed.Nanoseconds()))

	h.accessLog(Entry{
		Method:   r.Method,
		Host:     r.Host,
		URI:      r.URL.Path,
		Status:   rec.status,
		Bytes:    rec.bytes,
		Duration: elapsed,
		Upstream: upstreamName,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func containsDotDot(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isHopByHop(header string) bool {
	switch header {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "TE", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}

func clientIPFromRequest(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// sessionIDFromRequest reads the sticky-session identifier from a
// dedicated cookie -- the source model names a session-id stickiness
// mode but leaves its transport unspecified, so kestrel follows the
// common reverse-proxy convention of a session cookie. The pipeline only
// reads kestrel_sid; it never sets it.
func sessionIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie("kestrel_sid"); err == nil {
		return c.Value
	}
	return ""
}

func parseIfModifiedSince(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
