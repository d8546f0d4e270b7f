// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML/TOML files with ${VAR} expansion, AGENT_* env knobs and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Breaker  BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses.
// ControlAddr carries worker sockets, HTTPAddr the admin API and health checks.
type ServerConfig struct {
	ControlAddr string `yaml:"control_addr" toml:"control_addr"`
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds handshake and admin API authentication settings
type AuthConfig struct {
	// RunnerSecret, when set, must be presented verbatim in every worker hello.
	RunnerSecret string `yaml:"runner_secret" toml:"runner_secret"`
	// PerWorkerCredentials additionally checks the hello secret against the
	// worker's bcrypt credential in the persisted registry.
	PerWorkerCredentials bool `yaml:"per_worker_credentials" toml:"per_worker_credentials"`
	// JWTSecret protects the admin API. Empty means open API.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds worker connection timing configuration
type AgentsConfig struct {
	HelloTimeout      time.Duration `yaml:"-" toml:"-"`
	StaleAfter        time.Duration `yaml:"-" toml:"-"`
	PruneInterval     time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	ReconcileInterval time.Duration `yaml:"-" toml:"-"`
	RPCTimeout        time.Duration `yaml:"-" toml:"-"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes" toml:"max_frame_bytes"`

	// Raw string values for YAML/TOML unmarshaling
	HelloTimeoutRaw      string `yaml:"hello_timeout" toml:"hello_timeout"`
	StaleAfterRaw        string `yaml:"stale_after" toml:"stale_after"`
	PruneIntervalRaw     string `yaml:"prune_interval" toml:"prune_interval"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReconcileIntervalRaw string `yaml:"reconcile_interval" toml:"reconcile_interval"`
	RPCTimeoutRaw        string `yaml:"rpc_timeout" toml:"rpc_timeout"`
}

// SessionsConfig holds lease and idle-release configuration
type SessionsConfig struct {
	IdleRelease     time.Duration `yaml:"-" toml:"-"`
	TextIdleRelease time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`
	TenantCacheTTL  time.Duration `yaml:"-" toml:"-"`
	HintTTL         time.Duration `yaml:"-" toml:"-"`

	IdleReleaseRaw     string `yaml:"idle_release" toml:"idle_release"`
	TextIdleReleaseRaw string `yaml:"text_idle_release" toml:"text_idle_release"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
	TenantCacheTTLRaw  string `yaml:"tenant_cache_ttl" toml:"tenant_cache_ttl"`
	HintTTLRaw         string `yaml:"hint_ttl" toml:"hint_ttl"`
}

// BreakerConfig holds the fleet-wide circuit breaker settings
type BreakerConfig struct {
	ErrorThresholdPercent int           `yaml:"error_threshold_percent" toml:"error_threshold_percent"`
	MinRequests           uint32        `yaml:"min_requests" toml:"min_requests"`
	Window                time.Duration `yaml:"-" toml:"-"`
	CoolDown              time.Duration `yaml:"-" toml:"-"`

	WindowRaw   string `yaml:"window" toml:"window"`
	CoolDownRaw string `yaml:"cool_down" toml:"cool_down"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that can run without any file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ControlAddr: "127.0.0.1:8787",
			HTTPAddr:    "127.0.0.1:8788",
		},
		Database: DatabaseConfig{Path: "fleet.db"},
		Agents: AgentsConfig{
			HelloTimeout:      10 * time.Second,
			StaleAfter:        45 * time.Second,
			PruneInterval:     15 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ReconcileInterval: 5 * time.Minute,
			RPCTimeout:        20 * time.Second,
			MaxFrameBytes:     1 << 20,
		},
		Sessions: SessionsConfig{
			IdleRelease:     30 * time.Minute,
			TextIdleRelease: 10 * time.Minute,
			SweepInterval:   time.Minute,
			TenantCacheTTL:  time.Minute,
			HintTTL:         2 * time.Minute,
		},
		Breaker: BreakerConfig{
			ErrorThresholdPercent: 50,
			MinRequests:           5,
			Window:                time.Minute,
			CoolDown:              30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then AGENT_*
// knobs from the environment override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault loads path when it exists and falls back to Default plus
// environment knobs otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
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
	if c.Server.ControlAddr == "" {
		return fmt.Errorf("server.control_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.HelloTimeout <= 0 {
		return fmt.Errorf("agents.hello_timeout must be positive")
	}
	if c.Agents.RPCTimeout <= 0 {
		return fmt.Errorf("agents.rpc_timeout must be positive")
	}
	if c.Agents.MaxFrameBytes <= 0 {
		return fmt.Errorf("agents.max_frame_bytes must be positive")
	}
	if c.Breaker.ErrorThresholdPercent <= 0 || c.Breaker.ErrorThresholdPercent > 100 {
		return fmt.Errorf("breaker.error_threshold_percent must be in 1..100, got %d", c.Breaker.ErrorThresholdPercent)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
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
		{"agents.hello_timeout", cfg.Agents.HelloTimeoutRaw, &cfg.Agents.HelloTimeout},
		{"agents.stale_after", cfg.Agents.StaleAfterRaw, &cfg.Agents.StaleAfter},
		{"agents.prune_interval", cfg.Agents.PruneIntervalRaw, &cfg.Agents.PruneInterval},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.reconcile_interval", cfg.Agents.ReconcileIntervalRaw, &cfg.Agents.ReconcileInterval},
		{"agents.rpc_timeout", cfg.Agents.RPCTimeoutRaw, &cfg.Agents.RPCTimeout},
		{"sessions.idle_release", cfg.Sessions.IdleReleaseRaw, &cfg.Sessions.IdleRelease},
		{"sessions.text_idle_release", cfg.Sessions.TextIdleReleaseRaw, &cfg.Sessions.TextIdleRelease},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.tenant_cache_ttl", cfg.Sessions.TenantCacheTTLRaw, &cfg.Sessions.TenantCacheTTL},
		{"sessions.hint_ttl", cfg.Sessions.HintTTLRaw, &cfg.Sessions.HintTTL},
		{"breaker.window", cfg.Breaker.WindowRaw, &cfg.Breaker.Window},
		{"breaker.cool_down", cfg.Breaker.CoolDownRaw, &cfg.Breaker.CoolDown},
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

// applyEnv overrides config values from the AGENT_* environment knobs.
// Millisecond knobs accept plain integers; "0" is a valid value and disables
// the corresponding timer where that makes sense.
func applyEnv(cfg *Config, getenv func(string) string) error {
	host, port := getenv("AGENT_CONTROL_HOST"), getenv("AGENT_CONTROL_PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(cfg.Server.ControlAddr)
		if err != nil {
			return fmt.Errorf("splitting server.control_addr: %w", err)
		}
		if host != "" {
			curHost = host
		}
		if port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return fmt.Errorf("AGENT_CONTROL_PORT %q: %w", port, err)
			}
			curPort = port
		}
		cfg.Server.ControlAddr = net.JoinHostPort(curHost, curPort)
	}

	if v := getenv("AGENT_RUNNER_SECRET"); v != "" {
		cfg.Auth.RunnerSecret = v
	}
	if v := getenv("FLEET_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := getenv("FLEET_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	millis := []struct {
		name string
		dst  *time.Duration
	}{
		{"AGENT_HELLO_TIMEOUT_MS", &cfg.Agents.HelloTimeout},
		{"AGENT_STALE_MS", &cfg.Agents.StaleAfter},
		{"AGENT_PRUNE_INTERVAL_MS", &cfg.Agents.PruneInterval},
		{"AGENT_HEARTBEAT_INTERVAL_MS", &cfg.Agents.HeartbeatInterval},
		{"AGENT_RECONCILE_INTERVAL_MS", &cfg.Agents.ReconcileInterval},
		{"AGENT_RPC_TIMEOUT_MS", &cfg.Agents.RPCTimeout},
		{"AGENT_SESSION_IDLE_RELEASE_MS", &cfg.Sessions.IdleRelease},
		{"AGENT_TEXT_IDLE_RELEASE_MS", &cfg.Sessions.TextIdleRelease},
		{"AGENT_IDLE_SWEEP_INTERVAL_MS", &cfg.Sessions.SweepInterval},
		{"AGENT_TENANT_CACHE_TTL_MS", &cfg.Sessions.TenantCacheTTL},
	}
	for _, m := range millis {
		raw := getenv(m.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s %q: %w", m.name, raw, err)
		}
		*m.dst = time.Duration(n) * time.Millisecond
	}

	if raw := getenv("AGENT_MAX_FRAME_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("AGENT_MAX_FRAME_BYTES %q: %w", raw, err)
		}
		cfg.Agents.MaxFrameBytes = n
	}

	return nil
}
