// Package healthcheck implements the active health checker (C7): a
// background prober per upstream group, grounded on
// internal/cluster/cluster.go's Syncer lifecycle (stopCh/doneCh +
// sync.WaitGroup cooperative shutdown, runLoop ticking) generalized from
// one-shot config polling to per-server probing with rise/fall state
// transitions recorded on internal/upstream.Server.
package healthcheck

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// ProbeType selects how a server is probed.
type ProbeType string

const (
	ProbeHTTP  ProbeType = "http"
	ProbeHTTPS ProbeType = "https"
	ProbeTCP   ProbeType = "tcp"
	// ProbePing degrades to a TCP connect probe -- kestrel has no raw ICMP
	// socket access without elevated privileges, so "ping" is treated as
	// a reachability check over TCP.
	ProbePing ProbeType = "ping"
)

// Config controls one group's prober.
type Config struct {
	Type     ProbeType
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	Rise     int
	Fall     int

	// ExpectedResponse, if set, must appear as a substring of an HTTP(S)
	// probe's response body for the probe to count as successful.
	ExpectedResponse string
}

// historyEntry is one ring-buffer slot recording a single probe outcome.
type historyEntry struct {
	At      time.Time
	Success bool
	Err     string
}

const historySize = 100

// Checker runs background probes against every server in a group.
type Checker struct {
	group  *upstream.Group
	cfg    Config
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	history map[string][]historyEntry // server address -> ring buffer
	cursor  map[string]int
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Checker for group using cfg, defaulting unset fields.
func New(group *upstream.Group, cfg Config, logger *slog.Logger) *Checker {
	if cfg.Rise <= 0 {
		cfg.Rise = 2
	}
	if cfg.Fall <= 0 {
		cfg.Fall = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		group:   group,
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout},
		history: map[string][]historyEntry{},
		cursor:  map[string]int{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins periodic probing in a background goroutine. An initial
// probe round runs synchronously before Start returns, so freshly loaded
// configuration has a status before the first request arrives.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("healthcheck: checker for group %q already running", c.group.Name)
	}
	c.running = true
	c.mu.Unlock()

	c.probeAll(ctx)
	go c.runLoop(ctx)
	return nil
}

// Stop signals the background loop to exit and waits for it to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Checker) runLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context) {
	for _, s := range c.group.Servers() {
		c.probeOne(ctx, s)
	}
}

// Probe runs a single immediate probe against address, bypassing the
// ticker interval, for the management API's on-demand check endpoint.
// It returns an error if address is not a member of the checked group.
func (c *Checker) Probe(ctx context.Context, address string) error {
	for _, s := range c.group.Servers() {
		if s.Address == address {
			c.probeOne(ctx, s)
			return nil
		}
	}
	return fmt.Errorf("healthcheck: server %q not found in group %q", address, c.group.Name)
}

func (c *Checker) probeOne(ctx context.Context, s *upstream.Server) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := c.runProbe(probeCtx, s.Address)
	elapsed := time.Since(start)
	s.RecordLatency(elapsed)

	c.recordHistory(s.Address, err)

	var result upstream.TransitionResult
	if err == nil {
		result = s.RecordSuccess(c.cfg.Rise)
	} else {
		result = s.RecordFailure(c.cfg.Fall)
	}

	if result.Changed {
		c.logger.Info("upstream health transition",
			"group", c.group.Name,
			"server", s.Address,
			"from", result.OldStatus.String(),
			"to", result.NewStatus.String(),
		)
	}
}

// runProbe executes one probe attempt per c.cfg.Type, following
// original_source/src/load_balancer.c's HTTP probe framing: a bare
// GET <path> HTTP/1.1 with Connection: close, success defined as a
// 2xx/3xx status line.
func (c *Checker) runProbe(ctx context.Context, address string) error {
	switch c.cfg.Type {
	case ProbeHTTP:
		return c.httpProbe(ctx, address, false)
	case ProbeHTTPS:
		return c.httpProbe(ctx, address, true)
	default: // ProbeTCP, ProbePing
		return tcpProbe(ctx, address)
	}
}

func (c *Checker) httpProbe(ctx context.Context, address string, useTLS bool) error {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	path := c.cfg.Path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, address, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Connection", "close")

	client := c.client
	if useTLS {
		client = &http.Client{
			Timeout: c.cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // health probe only, never used for proxied traffic
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}

	if c.cfg.ExpectedResponse != "" {
		got, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if readErr != nil {
			return fmt.Errorf("reading probe response: %w", readErr)
		}
		if !bytes.Contains(got, []byte(c.cfg.ExpectedResponse)) {
			return fmt.Errorf("probe response missing expected substring")
		}
	}
	return nil
}

func tcpProbe(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Checker) recordHistory(address string, probeErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := historyEntry{At: time.Now(), Success: probeErr == nil}
	if probeErr != nil {
		entry.Err = probeErr.Error()
	}

	buf := c.history[address]
	if buf == nil {
		buf = make([]historyEntry, historySize)
	}
	idx := c.cursor[address]
	buf[idx] = entry
	c.cursor[address] = (idx + 1) % historySize
	c.history[address] = buf
}

// HistoryEntry is the exported view of a probe outcome, oldest first.
type HistoryEntry struct {
	At      time.Time
	Success bool
	Err     string
}

// History returns the recorded probe history for address, oldest first,
// skipping unused ring-buffer slots.
func (c *Checker) History(address string) []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := c.history[address]
	if buf == nil {
		return nil
	}
	cursor := c.cursor[address]
	out := make([]HistoryEntry, 0, historySize)
	for i := 0; i < historySize; i++ {
		idx := (cursor + i) % historySize
		e := buf[idx]
		if e.At.IsZero() {
			continue
		}
		out = append(out, HistoryEntry(e))
	}
	return out
}

// Manager owns one Checker per configured upstream group.
type Manager struct {
	mu       sync.Mutex
	checkers map[string]*Checker
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{checkers: map[string]*Checker{}}
}

// StartGroup creates (if needed) and starts a Checker for group.
func (m *Manager) StartGroup(ctx context.Context, group *upstream.Group, cfg Config, logger *slog.Logger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[group.Name]; exists {
		return fmt.Errorf("healthcheck: group %q already has a running checker", group.Name)
	}
	c := New(group, cfg, logger)
	m.checkers[group.Name] = c
	return c.Start(ctx)
}

// Checker returns the named group's Checker, if any.
func (m *Manager) Checker(group string) (*Checker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkers[group]
	return c, ok
}

// StopAll stops every managed Checker, waiting for each to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()
	checkers := make([]*Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c *Checker) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
}
