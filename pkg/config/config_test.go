package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15*time.Second, cfg.Rumor.ConnectTimeout)
	assert.Equal(t, 9*time.Second, cfg.Rumor.PingInterval)
	assert.Equal(t, 44900*time.Millisecond, cfg.Rumor.ConnectivityTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Rumor.DrainInterval)
	assert.Equal(t, 10, cfg.Rumor.DrainRetries)
	assert.Equal(t, time.Duration(0), cfg.Raptor.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.WebRTC.ICEFailureGrace)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", cfg.API.URL)
	assert.Equal(t, ":8081", cfg.Signal.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
api:
  url: "https://api.example.com"
  api_key: "k1"
  session_id: "S1"

rumor:
  connect_timeout: 5s
  ping_interval: 2s
  connectivity_timeout: 9900ms

raptor:
  request_timeout: 30s

webrtc:
  ice_servers:
    - urls: ["stun:stun.example.com:3478"]
  ice_failure_grace: 3s

logging:
  level: "debug"
  format: "json"
`)

	t.Setenv("RTCSESSION_TOKEN", "T-from-env")
	t.Setenv("RTCSESSION_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	// YAML values
	assert.Equal(t, "https://api.example.com", cfg.API.URL)
	assert.Equal(t, "k1", cfg.API.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Rumor.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.Rumor.PingInterval)
	assert.Equal(t, 9900*time.Millisecond, cfg.Rumor.ConnectivityTimeout)
	assert.Equal(t, 30*time.Second, cfg.Raptor.RequestTimeout)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.Equal(t, 3*time.Second, cfg.WebRTC.ICEFailureGrace)

	// untouched defaults survive
	assert.Equal(t, 10, cfg.Rumor.DrainRetries)

	// Env overrides
	assert.Equal(t, "T-from-env", cfg.API.Token)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_InvalidConfigFailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
rumor:
  ping_interval: 10s
  connectivity_timeout: 5s
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"api url required", func(c *Config) { c.API.URL = "" }},
		{"api url scheme", func(c *Config) { c.API.URL = "ftp://example.com" }},
		{"api url host", func(c *Config) { c.API.URL = "https://" }},
		{"analytics url scheme", func(c *Config) {
			c.Analytics.Enabled = true
			c.Analytics.URL = "example.com/log"
		}},
		{"jaeger url required", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = ""
		}},
		{"connect timeout > 0", func(c *Config) { c.Rumor.ConnectTimeout = 0 }},
		{"ping interval > 0", func(c *Config) { c.Rumor.PingInterval = 0 }},
		{"drain retries >= 0", func(c *Config) { c.Rumor.DrainRetries = -1 }},
		{"request timeout >= 0", func(c *Config) { c.Raptor.RequestTimeout = -time.Second }},
		{"port range pair", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"port range order", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"analytics sink required", func(c *Config) { c.Analytics.Enabled = true }},
		{"redis address required", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"sample rate bounded", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"jwt secret required", func(c *Config) { c.Signal.JWTSecret = "" }},
		{"signal burst > 0", func(c *Config) { c.Signal.Burst = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}
