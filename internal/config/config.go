// Package config provides configuration loading and validation for kestrel.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (KESTREL_* prefix)
//  2. YAML config file (if specified with --config)
//  3. Hardcoded defaults
//
// All configuration is validated during Load() so that startup fails fast
// with an actionable error rather than at first request.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var validate = validator.New()

func initViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", []string{"0.0.0.0:8080"})
	v.SetDefault("server.workers", "auto")
	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.slot_idle_ttl", "5m")
	v.SetDefault("server.accept_batch", 32)
	v.SetDefault("server.header_max_size", 16384)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "75s")
	v.SetDefault("server.keep_alive", true)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.strategy", "lru")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.max_size_bytes", 64*1024*1024)
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.min_size_bytes", 0)
	v.SetDefault("cache.max_object_size", 8*1024*1024)
	v.SetDefault("cache.vary_query", true)
	v.SetDefault("cache.mime_allow", []string{
		"text/html", "text/css", "text/plain", "application/json",
		"application/javascript", "image/png", "image/jpeg", "image/svg+xml",
	})

	v.SetDefault("compress.enabled", true)
	v.SetDefault("compress.min_length", 1024)
	v.SetDefault("compress.level", 6)
	v.SetDefault("compress.mime_allow", []string{
		"text/html", "text/css", "text/plain", "application/json", "application/javascript",
	})

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.listen", "0.0.0.0:8090")
	v.SetDefault("push.heartbeat_interval", "30s")
	v.SetDefault("push.client_queue_size", 64)
	v.SetDefault("push.durable_history", false)
	v.SetDefault("push.history_db_path", "kestrel_push.db")
	v.SetDefault("push.history_backlog", 256)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.api_key", "")
}

// Load reads configuration from a YAML file with environment overrides,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v, err := initViper(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server.WorkersRaw = v.GetString("server.workers")
	cfg.Server.Workers = parseWorkers(cfg.Server.WorkersRaw)

	normalizeDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := crossFieldValidate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// normalizeDefaults fills in fields that viper's struct Unmarshal path
// doesn't default well (empty slices/maps, per-group fallbacks).
func normalizeDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}
	for i := range cfg.Upstreams {
		g := &cfg.Upstreams[i]
		if g.Policy == "" {
			g.Policy = "round_robin"
		}
		for j := range g.Servers {
			if g.Servers[j].Weight <= 0 {
				g.Servers[j].Weight = 1
			}
			if g.Servers[j].MaxFails <= 0 {
				g.Servers[j].MaxFails = 1
			}
			if g.Servers[j].FailTimeout == "" {
				g.Servers[j].FailTimeout = "10s"
			}
		}
		if g.HealthCheck.Rise <= 0 {
			g.HealthCheck.Rise = 2
		}
		if g.HealthCheck.Fall <= 0 {
			g.HealthCheck.Fall = 3
		}
		if g.HealthCheck.Type == "" {
			g.HealthCheck.Type = "tcp"
		}
		if g.HealthCheck.Interval == "" {
			g.HealthCheck.Interval = "5s"
		}
		if g.HealthCheck.Timeout == "" {
			g.HealthCheck.Timeout = "2s"
		}
	}
	if cfg.Cache.Strategy == "" {
		cfg.Cache.Strategy = "lru"
	}
}

// crossFieldValidate catches checks struct tags can't express.
func crossFieldValidate(cfg *Config) error {
	switch strings.ToLower(cfg.Cache.Strategy) {
	case "lru", "lfu", "fifo":
	default:
		return fmt.Errorf("cache.strategy %q is not one of lru, lfu, fifo", cfg.Cache.Strategy)
	}
	names := map[string]bool{}
	for _, g := range cfg.Upstreams {
		if names[g.Name] {
			return fmt.Errorf("duplicate upstream group name %q", g.Name)
		}
		names[g.Name] = true
		switch strings.ToLower(g.Policy) {
		case "round_robin", "smooth_weighted", "least_conn", "ip_hash", "random", "weighted_random":
		default:
			return fmt.Errorf("upstream group %q: unknown policy %q", g.Name, g.Policy)
		}
		switch strings.ToLower(g.StickySession) {
		case "", "client_ip", "session_id":
		default:
			return fmt.Errorf("upstream group %q: unknown sticky_session %q", g.Name, g.StickySession)
		}
		switch strings.ToLower(g.HealthCheck.Type) {
		case "http", "https", "tcp", "ping":
		default:
			return fmt.Errorf("upstream group %q: unknown health_check.type %q", g.Name, g.HealthCheck.Type)
		}
	}
	for _, r := range cfg.Routes {
		if r.Upstream != "" && !names[r.Upstream] {
			return fmt.Errorf("route for host %q references unknown upstream %q", r.Host, r.Upstream)
		}
	}
	return nil
}

// parseWorkers converts the workers string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}
