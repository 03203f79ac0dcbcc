// ABOUTME: Configuration loading and parsing for vox-gateway
// ABOUTME: Reads YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete vox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Native    NativeConfig    `yaml:"native" toml:"native"`
	Functions FunctionsConfig `yaml:"functions" toml:"functions"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listen addresses. GRPCAddr is optional and only serves
// the health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// NativeConfig describes how to reach the game-side DLL bridge.
type NativeConfig struct {
	Address string `yaml:"address" toml:"address"` // tcp://, unix://, ws:// or wss://
	Codec   string `yaml:"codec" toml:"codec"`     // json or cbor

	RequestTimeout   time.Duration `yaml:"-" toml:"-"`
	DialTimeout      time.Duration `yaml:"-" toml:"-"`
	ReconnectInitial time.Duration `yaml:"-" toml:"-"`
	ReconnectMax     time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw   string `yaml:"request_timeout" toml:"request_timeout"`
	DialTimeoutRaw      string `yaml:"dial_timeout" toml:"dial_timeout"`
	ReconnectInitialRaw string `yaml:"reconnect_initial" toml:"reconnect_initial"`
	ReconnectMaxRaw     string `yaml:"reconnect_max" toml:"reconnect_max"`
}

// FunctionsConfig holds external function dispatch settings.
type FunctionsConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// EventsConfig holds SSE fan-out settings.
type EventsConfig struct {
	KeepAliveInterval time.Duration `yaml:"-" toml:"-"`
	Buffer            int           `yaml:"buffer" toml:"buffer"` // per-subscriber queue length

	KeepAliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// DatabaseConfig holds the ledger location. An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig holds the event mirror settings. An empty addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// AuthConfig holds authentication configuration. An empty secret leaves the
// API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultHTTPAddr         = "127.0.0.1:5555"
	DefaultNativeAddress    = "tcp://127.0.0.1:7771"
	DefaultCodec            = "json"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultFunctionTimeout  = 30 * time.Second
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultKeepAlive        = 15 * time.Second
	DefaultEventBuffer      = 64
	DefaultRedisChannel     = "vox:game_events"
	DefaultMetricsPath      = "/metrics"

	minSecretLength = 32
)

var (
	validCodecs  = []string{"json", "cbor"}
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
	validSchemes = []string{"tcp", "unix", "ws", "wss"}
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes config data, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Native.Address == "" {
		c.Native.Address = DefaultNativeAddress
	}
	if c.Native.Codec == "" {
		c.Native.Codec = DefaultCodec
	}
	setDuration(&c.Native.RequestTimeout, DefaultRequestTimeout)
	setDuration(&c.Native.DialTimeout, DefaultDialTimeout)
	setDuration(&c.Native.ReconnectInitial, DefaultReconnectInitial)
	setDuration(&c.Native.ReconnectMax, DefaultReconnectMax)
	setDuration(&c.Functions.DefaultTimeout, DefaultFunctionTimeout)
	setDuration(&c.Functions.DedupeTTL, DefaultDedupeTTL)
	setDuration(&c.Events.KeepAliveInterval, DefaultKeepAlive)
	if c.Events.Buffer == 0 {
		c.Events.Buffer = DefaultEventBuffer
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	u, err := url.Parse(c.Native.Address)
	if err != nil {
		return fmt.Errorf("native.address %q: %w", c.Native.Address, err)
	}
	if !slices.Contains(validSchemes, u.Scheme) {
		return fmt.Errorf("native.address %q: scheme must be one of %v", c.Native.Address, validSchemes)
	}
	if !slices.Contains(validCodecs, c.Native.Codec) {
		return fmt.Errorf("native.codec must be one of %v, got %q", validCodecs, c.Native.Codec)
	}

	if c.Native.ReconnectMax < c.Native.ReconnectInitial {
		return fmt.Errorf("native.reconnect_max must not be below native.reconnect_initial")
	}
	if c.Events.Buffer < 1 {
		return fmt.Errorf("events.buffer must be at least 1")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of %v, got %q", validLevels, c.Logging.Level)
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("logging.format must be one of %v, got %q", validFormats, c.Logging.Format)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"native.request_timeout", cfg.Native.RequestTimeoutRaw, &cfg.Native.RequestTimeout},
		{"native.dial_timeout", cfg.Native.DialTimeoutRaw, &cfg.Native.DialTimeout},
		{"native.reconnect_initial", cfg.Native.ReconnectInitialRaw, &cfg.Native.ReconnectInitial},
		{"native.reconnect_max", cfg.Native.ReconnectMaxRaw, &cfg.Native.ReconnectMax},
		{"functions.default_timeout", cfg.Functions.DefaultTimeoutRaw, &cfg.Functions.DefaultTimeout},
		{"functions.dedupe_ttl", cfg.Functions.DedupeTTLRaw, &cfg.Functions.DedupeTTL},
		{"events.keepalive_interval", cfg.Events.KeepAliveIntervalRaw, &cfg.Events.KeepAliveInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
