package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelproxy/kestrel/internal/api"
	"github.com/kestrelproxy/kestrel/internal/balancer"
	"github.com/kestrelproxy/kestrel/internal/bucket"
	"github.com/kestrelproxy/kestrel/internal/cache"
	"github.com/kestrelproxy/kestrel/internal/compress"
	"github.com/kestrelproxy/kestrel/internal/config"
	"github.com/kestrelproxy/kestrel/internal/database"
	"github.com/kestrelproxy/kestrel/internal/healthcheck"
	"github.com/kestrelproxy/kestrel/internal/httpserver"
	"github.com/kestrelproxy/kestrel/internal/logging"
	"github.com/kestrelproxy/kestrel/internal/pipeline"
	"github.com/kestrelproxy/kestrel/internal/proxy"
	"github.com/kestrelproxy/kestrel/internal/push"
	"github.com/kestrelproxy/kestrel/internal/router"
	"github.com/kestrelproxy/kestrel/internal/streamproxy"
	"github.com/kestrelproxy/kestrel/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	debug      bool
	jsonLogs   bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if flags.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("kestrel starting",
		"listen", cfg.Server.Listen,
		"workers", cfg.Server.Workers.String(),
		"upstreams", len(cfg.Upstreams),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, checkers, sessions, err := buildUpstreams(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build upstreams: %w", err)
	}
	defer checkers.StopAll()

	rt := router.New()
	rt.Load(cfg.Routes)

	respCache := buildCache(cfg)
	compressor := compress.New(compress.Config{
		Enabled:   cfg.Compress.Enabled,
		MinLength: cfg.Compress.MinLength,
		Level:     cfg.Compress.Level,
		MimeAllow: cfg.Compress.MimeAllow,
	}, logger)
	bandwidth := buildBandwidth(cfg)
	forwarder := proxy.New(proxy.Config{
		ConnectTimeout: mustDuration(cfg.Server.ReadTimeout, 30*time.Second),
		ReadTimeout:    mustDuration(cfg.Server.ReadTimeout, 30*time.Second),
	}, logger)

	ph := pipeline.New(
		pipeline.Config{
			ServerName:     "kestrel",
			BackendTimeout: mustDuration(cfg.Server.WriteTimeout, 30*time.Second),
		},
		rt, respCache,
		cache.FingerprintOptions{VaryQuery: cfg.Cache.VaryQuery, VaryHeaders: cfg.Cache.VaryHeaders},
		cfg.Cache.MimeAllow, cfg.Cache.MinSizeBytes, cfg.Cache.MaxObjSize,
		compressor, bandwidth, pool, forwarder, sessions, logger,
		func(e pipeline.Entry) {
			logger.Info("access",
				"method", e.Method, "host", e.Host, "uri", e.URI,
				"status", e.Status, "bytes", e.Bytes,
				"duration_ms", e.Duration.Milliseconds(), "upstream", e.Upstream,
			)
		},
	)

	httpSrv := httpserver.New(ph, httpserver.Config{
		Capacity:    cfg.Server.MaxConns,
		IdleTimeout: mustDuration(cfg.Server.SlotIdleTTL, 5*time.Minute),
	}, logger)
	for _, addr := range cfg.Server.Listen {
		if err := httpSrv.Listen(ctx, addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	logger.Info("http worker pool listening", "addrs", cfg.Server.Listen)

	streamProxies, err := startStreamProxies(ctx, cfg, pool, logger)
	if err != nil {
		return fmt.Errorf("start stream proxies: %w", err)
	}

	var pushSrv *push.Server
	var historyDB *database.DB
	if cfg.Push.Enabled {
		pushSrv, historyDB, err = startPush(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("start push server: %w", err)
		}
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg.API, pool, checkers, ph, logger)
		go func() {
			logger.Info("management API starting", "addr", apiSrv.Addr())
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("management API error", "error", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http worker pool shutdown error", "error", err)
	}
	for _, sp := range streamProxies {
		sp.cancel()
	}
	if pushSrv != nil {
		if err := pushSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("push server shutdown error", "error", err)
		}
	}
	if historyDB != nil {
		_ = historyDB.Close()
	}
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("management API shutdown error", "error", err)
		}
	}

	logger.Info("kestrel stopped")
	return nil
}

func buildUpstreams(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*upstream.Pool, *healthcheck.Manager, *balancer.SessionTable, error) {
	pool := upstream.NewPool()
	checkers := healthcheck.NewManager()
	sessions := balancer.NewSessionTable()

	for _, gc := range cfg.Upstreams {
		servers := make([]*upstream.Server, 0, len(gc.Servers))
		for _, sc := range gc.Servers {
			srv := upstream.NewServer(sc.Address, sc.Weight)
			srv.SetLimits(sc.MaxConns, sc.MaxFails, mustDuration(sc.FailTimeout, 10*time.Second))
			servers = append(servers, srv)
		}
		group := upstream.NewGroup(gc.Name, gc.Policy, gc.StickySession, servers)
		pool.Add(group)

		if !gc.HealthCheck.Enabled {
			continue
		}
		hcCfg := healthcheck.Config{
			Type:             healthcheck.ProbeType(gc.HealthCheck.Type),
			Path:             gc.HealthCheck.Path,
			Interval:         mustDuration(gc.HealthCheck.Interval, 5*time.Second),
			Timeout:          mustDuration(gc.HealthCheck.Timeout, 2*time.Second),
			Rise:             gc.HealthCheck.Rise,
			Fall:             gc.HealthCheck.Fall,
			ExpectedResponse: gc.HealthCheck.ExpectedResponse,
		}
		if err := checkers.StartGroup(ctx, group, hcCfg, logger); err != nil {
			return nil, nil, nil, fmt.Errorf("start health check for group %q: %w", gc.Name, err)
		}
	}
	return pool, checkers, sessions, nil
}

func buildCache(cfg *config.Config) *cache.Cache {
	if !cfg.Cache.Enabled {
		return nil
	}
	return cache.New(cache.Config{
		Strategy:     cfg.Cache.Strategy,
		MaxEntries:   cfg.Cache.MaxEntries,
		MaxSizeBytes: cfg.Cache.MaxSizeBytes,
		DefaultTTL:   mustDuration(cfg.Cache.DefaultTTL, time.Hour),
	})
}

func buildBandwidth(cfg *config.Config) *bucket.RuleSet {
	if len(cfg.BandwidthRules) == 0 {
		return nil
	}
	rules := make([]bucket.Rule, 0, len(cfg.BandwidthRules))
	for _, r := range cfg.BandwidthRules {
		rules = append(rules, bucket.Rule{
			PathGlob:    r.PathGlob,
			BytesPerSec: float64(r.BytesPerSec),
			BurstBytes:  float64(r.BurstBytes),
		})
	}
	return bucket.NewRuleSet(rules)
}

type runningStreamProxy struct {
	name   string
	cancel context.CancelFunc
}

// startStreamProxies launches one goroutine per configured stream proxy
// entry (C12), each with its own cancelable context so it can be
// stopped independently of the others during shutdown.
func startStreamProxies(parent context.Context, cfg *config.Config, pool *upstream.Pool, logger *slog.Logger) ([]runningStreamProxy, error) {
	var out []runningStreamProxy
	for _, spc := range cfg.StreamProxies {
		group, ok := pool.Group(spc.Upstream)
		if !ok {
			return nil, fmt.Errorf("stream proxy %q: unknown upstream %q", spc.Name, spc.Upstream)
		}

		spCtx, spCancel := context.WithCancel(parent)
		name, addr, protocol := spc.Name, spc.Listen, spc.Protocol

		switch protocol {
		case "tcp":
			p := streamproxy.NewTCP(group, streamproxy.TCPConfig{
				ConnectTimeout: 10 * time.Second,
			}, logger)
			go func() {
				if err := p.Run(spCtx, addr); err != nil && spCtx.Err() == nil {
					logger.Error("stream proxy stopped", "name", name, "error", err)
				}
			}()
		case "udp":
			p := streamproxy.NewUDP(group, streamproxy.UDPConfig{
				IdleTimeout: mustDuration(spc.IdleTTL, 2*time.Minute),
				BufferSize:  65535,
			}, logger)
			go func() {
				if err := p.Run(spCtx, addr); err != nil && spCtx.Err() == nil {
					logger.Error("stream proxy stopped", "name", name, "error", err)
				}
			}()
		default:
			spCancel()
			return nil, fmt.Errorf("stream proxy %q: unknown protocol %q", spc.Name, protocol)
		}

		logger.Info("stream proxy listening", "name", name, "protocol", protocol, "addr", addr, "upstream", spc.Upstream)
		out = append(out, runningStreamProxy{name: name, cancel: spCancel})
	}
	return out, nil
}

// startPush builds the push server (C13), wiring in durable channel
// history when configured.
func startPush(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*push.Server, *database.DB, error) {
	var hist *database.DB
	var manager *push.Manager

	if cfg.Push.DurableHistory {
		db, err := database.Open(cfg.Push.HistoryDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open push history database: %w", err)
		}
		hist = db
		manager = push.NewManager(
			mustDuration(cfg.Push.HeartbeatInterval, 30*time.Second),
			cfg.Push.ClientQueueSize, cfg.Push.HistoryBacklog, hist, logger,
		)
	} else {
		manager = push.NewManager(
			mustDuration(cfg.Push.HeartbeatInterval, 30*time.Second),
			cfg.Push.ClientQueueSize, 0, nil, logger,
		)
	}

	srv := push.NewServer(cfg.Push.Listen, manager, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("push server error", "error", err)
		}
	}()
	logger.Info("push server listening", "addr", cfg.Push.Listen, "durable_history", cfg.Push.DurableHistory)
	return srv, hist, nil
}

// mustDuration parses raw as a duration, falling back to def on an
// empty or malformed value.
func mustDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
