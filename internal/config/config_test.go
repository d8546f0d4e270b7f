// ABOUTME: Tests for configuration loading, env knobs and validation
// ABOUTME: Covers YAML and TOML files, ${VAR} expansion, and AGENT_* overrides

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.ControlAddr)
	assert.Equal(t, 45*time.Second, cfg.Agents.StaleAfter)
	assert.Equal(t, 15*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleRelease)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.TextIdleRelease)
	assert.Equal(t, int64(1<<20), cfg.Agents.MaxFrameBytes)
	assert.Equal(t, 50, cfg.Breaker.ErrorThresholdPercent)
	assert.Equal(t, uint32(5), cfg.Breaker.MinRequests)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_RUNNER_SECRET", "s3cret")

	path := writeConfig(t, "fleet.yaml", `
server:
  control_addr: "0.0.0.0:9000"
  http_addr: "0.0.0.0:9001"
database:
  path: "/tmp/fleet.db"
auth:
  runner_secret: "${TEST_RUNNER_SECRET}"
agents:
  stale_after: "90s"
  rpc_timeout: "5s"
sessions:
  idle_release: "1h"
breaker:
  cool_down: "10s"
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ControlAddr)
	assert.Equal(t, "/tmp/fleet.db", cfg.Database.Path)
	assert.Equal(t, "s3cret", cfg.Auth.RunnerSecret)
	assert.Equal(t, 90*time.Second, cfg.Agents.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Agents.RPCTimeout)
	assert.Equal(t, time.Hour, cfg.Sessions.IdleRelease)
	assert.Equal(t, 10*time.Second, cfg.Breaker.CoolDown)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// unspecified values keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Agents.HelloTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.HintTTL)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "fleet.toml", `
[server]
control_addr = "127.0.0.1:7000"
http_addr = "127.0.0.1:7001"

[agents]
heartbeat_interval = "5s"
max_frame_bytes = 4096

[sessions]
text_idle_release = "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ControlAddr)
	assert.Equal(t, 5*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, int64(4096), cfg.Agents.MaxFrameBytes)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.TextIdleRelease)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, "fleet.yaml", `
agents:
  stale_after: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.stale_after")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv("AGENT_STALE_MS", "60000")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Agents.StaleAfter)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AGENT_CONTROL_HOST":            "0.0.0.0",
		"AGENT_CONTROL_PORT":            "9999",
		"AGENT_RUNNER_SECRET":           "shared",
		"AGENT_HELLO_TIMEOUT_MS":        "2500",
		"AGENT_HEARTBEAT_INTERVAL_MS":   "0",
		"AGENT_SESSION_IDLE_RELEASE_MS": "60000",
		"AGENT_TENANT_CACHE_TTL_MS":     "1000",
		"AGENT_MAX_FRAME_BYTES":         "2048",
		"FLEET_DB_PATH":                 "/data/fleet.db",
	}
	cfg := Default()

	require.NoError(t, applyEnv(cfg, func(k string) string { return env[k] }))

	assert.Equal(t, "0.0.0.0:9999", cfg.Server.ControlAddr)
	assert.Equal(t, "shared", cfg.Auth.RunnerSecret)
	assert.Equal(t, 2500*time.Millisecond, cfg.Agents.HelloTimeout)
	assert.Equal(t, time.Duration(0), cfg.Agents.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Sessions.IdleRelease)
	assert.Equal(t, time.Second, cfg.Sessions.TenantCacheTTL)
	assert.Equal(t, int64(2048), cfg.Agents.MaxFrameBytes)
	assert.Equal(t, "/data/fleet.db", cfg.Database.Path)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port", "AGENT_CONTROL_PORT", "eighty"},
		{"millis", "AGENT_STALE_MS", "1.5"},
		{"frame", "AGENT_MAX_FRAME_BYTES", "big"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := applyEnv(cfg, func(k string) string {
				if k == tt.key {
					return tt.val
				}
				return ""
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing control addr", func(c *Config) { c.Server.ControlAddr = "" }, "control_addr"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero hello timeout", func(c *Config) { c.Agents.HelloTimeout = 0 }, "hello_timeout"},
		{"zero rpc timeout", func(c *Config) { c.Agents.RPCTimeout = 0 }, "rpc_timeout"},
		{"zero frame size", func(c *Config) { c.Agents.MaxFrameBytes = 0 }, "max_frame_bytes"},
		{"threshold too high", func(c *Config) { c.Breaker.ErrorThresholdPercent = 150 }, "error_threshold_percent"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FLEET_TEST_VALUE", "expanded")

	assert.Equal(t, "a expanded b", expandEnvVars("a ${FLEET_TEST_VALUE} b"))
	assert.Equal(t, "x  y", expandEnvVars("x ${FLEET_TEST_UNSET_VALUE} y"))
}
