// Package config loads and validates kestrel's configuration using Viper.
//
// Configuration is loaded from a YAML file with automatic environment
// variable binding:
//
//	KESTREL_SERVER_LISTEN       -> server.listen
//	KESTREL_CACHE_ENABLED       -> cache.enabled
//	KESTREL_LOGGING_LEVEL       -> logging.level
//
// Upstream groups (the upstreams list) have no environment binding and
// are set only in the file.
package config

import (
	"strconv"
	"strings"
)

// WorkersMode specifies how the worker event loop's goroutine count is chosen.
type WorkersMode int

const (
	// WorkersAuto sizes the worker pool from runtime.NumCPU().
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses an explicit worker count.
	WorkersFixed
)

// WorkerSetting is the parsed form of server.workers ("auto" or an integer).
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig controls the HTTP/HTTPS worker event loop (C11).
type ServerConfig struct {
	Listen        []string      `mapstructure:"listen"          validate:"required,min=1"`
	TLSListen     []string      `mapstructure:"tls_listen"`
	Workers       WorkerSetting `mapstructure:"-"`
	WorkersRaw    string        `mapstructure:"workers"`
	MaxConns      int           `mapstructure:"max_connections"  validate:"gte=0"`
	SlotIdleTTL   string        `mapstructure:"slot_idle_ttl"`
	AcceptBatch   int           `mapstructure:"accept_batch"     validate:"gte=1"`
	HeaderMaxSize int           `mapstructure:"header_max_size"  validate:"gte=0"`
	ReadTimeout   string        `mapstructure:"read_timeout"`
	WriteTimeout  string        `mapstructure:"write_timeout"`
	IdleTimeout   string        `mapstructure:"idle_timeout"`
	KeepAlive     bool          `mapstructure:"keep_alive"`
}

// TLSConfig names certificate/key material; TLS context setup itself is an
// external collaborator (spec treats TLS handshake configuration as
// out of scope) -- kestrel only records the paths here.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// UpstreamServerConfig is one backend within an upstream group.
type UpstreamServerConfig struct {
	Address     string `mapstructure:"address" validate:"required"`
	Weight      int    `mapstructure:"weight"  validate:"gte=1"`
	MaxConns    int    `mapstructure:"max_conns" validate:"gte=0"`
	MaxFails    int    `mapstructure:"max_fails" validate:"gte=0"`
	FailTimeout string `mapstructure:"fail_timeout"`
}

// HealthCheckConfig controls C7's active prober for an upstream group.
type HealthCheckConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Type             string `mapstructure:"type"` // http, https, tcp, ping
	Path             string `mapstructure:"path"`
	Interval         string `mapstructure:"interval"`
	Timeout          string `mapstructure:"timeout"`
	Rise             int    `mapstructure:"rise" validate:"gte=1"`
	Fall             int    `mapstructure:"fall" validate:"gte=1"`
	ExpectedResponse string `mapstructure:"expected_response"` // optional substring the probe body must contain
}

// UpstreamGroupConfig is one named pool of backends (C5/C6).
type UpstreamGroupConfig struct {
	Name          string                 `mapstructure:"name"    validate:"required"`
	Policy        string                 `mapstructure:"policy"` // round_robin, smooth_weighted, least_conn, ip_hash, random, weighted_random
	Servers       []UpstreamServerConfig `mapstructure:"servers" validate:"required,min=1,dive"`
	StickySession string                 `mapstructure:"sticky_session"` // "", "client_ip", "session_id"
	HealthCheck   HealthCheckConfig      `mapstructure:"health_check"`
}

// RouteConfig maps a Host+location prefix to an upstream group or static root.
type RouteConfig struct {
	Host      string `mapstructure:"host"` // exact or "*.example.com"
	Location  string `mapstructure:"location"`
	ExactOnly bool   `mapstructure:"exact_only"`
	Upstream  string `mapstructure:"upstream"`
	StaticDir string `mapstructure:"static_dir"`
}

// CacheConfig controls C2.
type CacheConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Strategy     string   `mapstructure:"strategy"` // lru, lfu, fifo
	MaxEntries   int      `mapstructure:"max_entries"   validate:"gte=1"`
	MaxSizeBytes int64    `mapstructure:"max_size_bytes" validate:"gte=1"`
	DefaultTTL   string   `mapstructure:"default_ttl"`
	MinSizeBytes int64    `mapstructure:"min_size_bytes"`
	MaxObjSize   int64    `mapstructure:"max_object_size"`
	MimeAllow    []string `mapstructure:"mime_allow"`
	VaryQuery    bool     `mapstructure:"vary_query"`
	VaryHeaders  []string `mapstructure:"vary_headers"`
}

// CompressConfig controls C3.
type CompressConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	MinLength  int      `mapstructure:"min_length"`
	Level      int      `mapstructure:"level" validate:"gte=-1,lte=9"`
	MimeAllow  []string `mapstructure:"mime_allow"`
}

// BandwidthRuleConfig is one glob-matched rate limit (C1).
type BandwidthRuleConfig struct {
	PathGlob    string `mapstructure:"path_glob" validate:"required"`
	BytesPerSec int64  `mapstructure:"bytes_per_sec" validate:"gte=1"`
	BurstBytes  int64  `mapstructure:"burst_bytes" validate:"gte=1"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level            string            `mapstructure:"level"`
	Structured       bool              `mapstructure:"structured"`
	StructuredFormat string            `mapstructure:"structured_format"`
	IncludePID       bool              `mapstructure:"include_pid"`
	ExtraFields      map[string]string `mapstructure:"extra_fields"`
}

// StreamProxyConfig controls C12's TCP/UDP forwarding listeners.
type StreamProxyConfig struct {
	Name       string `mapstructure:"name"    validate:"required"`
	Protocol   string `mapstructure:"protocol" validate:"required"` // tcp, udp
	Listen     string `mapstructure:"listen"  validate:"required"`
	Upstream   string `mapstructure:"upstream" validate:"required"`
	IdleTTL    string `mapstructure:"idle_ttl"`
}

// PushConfig controls C13's SSE push server.
type PushConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Listen           string `mapstructure:"listen"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	ClientQueueSize  int    `mapstructure:"client_queue_size" validate:"gte=1"`
	DurableHistory   bool   `mapstructure:"durable_history"`
	HistoryDBPath    string `mapstructure:"history_db_path"`
	HistoryBacklog   int    `mapstructure:"history_backlog"`
}

// APIConfig controls the management / health-check HTTP API (spec §6).
//
// Note: APIKey is a secret and must never be echoed back by any endpoint.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	APIKey  string `mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig          `mapstructure:"server"`
	TLS          TLSConfig             `mapstructure:"tls"`
	Upstreams    []UpstreamGroupConfig `mapstructure:"upstreams" validate:"dive"`
	Routes       []RouteConfig         `mapstructure:"routes"`
	Cache        CacheConfig           `mapstructure:"cache"`
	Compress     CompressConfig        `mapstructure:"compress"`
	BandwidthRules []BandwidthRuleConfig `mapstructure:"bandwidth_rules" validate:"dive"`
	Logging      LoggingConfig         `mapstructure:"logging"`
	StreamProxies []StreamProxyConfig  `mapstructure:"stream_proxies" validate:"dive"`
	Push         PushConfig            `mapstructure:"push"`
	API          APIConfig             `mapstructure:"api"`
}
