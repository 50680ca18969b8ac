// ABOUTME: Configuration loading and parsing for the switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-switchboard/internal/store"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Engine      EngineConfig      `yaml:"engine" toml:"engine"`
	Hub         HubConfig         `yaml:"hub" toml:"hub"`
	Observers   ObserversConfig   `yaml:"observers" toml:"observers"`
	Pause       PauseConfig       `yaml:"pause" toml:"pause"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig selects and configures the storage backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or memory
	Path   string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// EngineConfig tunes the transition engine
type EngineConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	MessagePageSize int           `yaml:"message_page_size" toml:"message_page_size"`
	RetryDelay      time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
}

// HubConfig tunes observer fan-out
type HubConfig struct {
	OutboxSize   int           `yaml:"outbox_size" toml:"outbox_size"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// ObserversConfig holds WebSocket and SSE endpoint settings
type ObserversConfig struct {
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
	InboundRate     float64       `yaml:"inbound_rate" toml:"inbound_rate"` // frames per second, 0 disables
	InboundBurst    int           `yaml:"inbound_burst" toml:"inbound_burst"`
	PingInterval    time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// PauseConfig controls the optional auto-resume scheduler
type PauseConfig struct {
	AutoResume bool `yaml:"auto_resume" toml:"auto_resume"`
}

// IdempotencyConfig controls Idempotency-Key replay for HTTP commands
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8080",
			ShutdownTimeoutRaw: "10s",
		},
		Tailscale: TailscaleConfig{
			Hostname: "switchboard",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./switchboard.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxAttempts:     3,
			MessagePageSize: 100,
			RetryDelayRaw:   "5ms",
		},
		Hub: HubConfig{
			OutboxSize:      256,
			WriteTimeoutRaw: "5s",
		},
		Observers: ObserversConfig{
			MaxMessageBytes: 64 * 1024,
			InboundRate:     20,
			InboundBurst:    40,
			PingIntervalRaw: "30s",
		},
		Idempotency: IdempotencyConfig{
			TTLRaw:     "10m",
			MaxEntries: 10_000,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses durations and validates. Load calls it; callers building a
// Config in code call it themselves.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// DefaultPath returns the first config file that exists, in order:
// $SWITCHBOARD_CONFIG, ./switchboard.yaml, ./switchboard.toml,
// ~/.config/switchboard/config.yaml. Returns "" if none exist.
func DefaultPath() string {
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		return p
	}
	candidates := []string{"switchboard.yaml", "switchboard.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "switchboard", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Engine.MessagePageSize < 1 || c.Engine.MessagePageSize > store.MaxPageSize {
		return fmt.Errorf("engine.message_page_size must be between 1 and %d", store.MaxPageSize)
	}
	if c.Hub.OutboxSize < 1 {
		return fmt.Errorf("hub.outbox_size must be at least 1")
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive")
	}
	if c.Observers.InboundRate < 0 {
		return fmt.Errorf("observers.inbound_rate must not be negative")
	}
	if c.Observers.InboundRate > 0 && c.Observers.InboundBurst < 1 {
		return fmt.Errorf("observers.inbound_burst must be at least 1 when inbound_rate is set")
	}
	if c.Observers.MaxMessageBytes < 1 {
		return fmt.Errorf("observers.max_message_bytes must be at least 1")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Idempotency.MaxEntries < 1 {
		return fmt.Errorf("idempotency.max_entries must be at least 1")
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
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"engine.retry_delay", cfg.Engine.RetryDelayRaw, &cfg.Engine.RetryDelay},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"observers.ping_interval", cfg.Observers.PingIntervalRaw, &cfg.Observers.PingInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
