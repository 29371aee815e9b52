package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"rtcsession/pkg/validation"
)

type Config struct {
	API struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		SessionID string `yaml:"session_id"`
		Token     string `yaml:"token"`
	} `yaml:"api"`

	Rumor struct {
		ConnectTimeout      time.Duration `yaml:"connect_timeout"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		ConnectivityTimeout time.Duration `yaml:"connectivity_timeout"`
		DrainInterval       time.Duration `yaml:"drain_interval"`
		DrainRetries        int           `yaml:"drain_retries"`
	} `yaml:"rumor"`

	Raptor struct {
		RequestTimeout time.Duration `yaml:"request_timeout"` // 0 waits until the context ends
	} `yaml:"raptor"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEFailureGrace time.Duration `yaml:"ice_failure_grace"`
		StatsInterval   time.Duration `yaml:"stats_interval"`
	} `yaml:"webrtc"`

	Analytics struct {
		Enabled      bool          `yaml:"enabled"`
		URL          string        `yaml:"url"`
		SendDelay    time.Duration `yaml:"send_delay"`
		RedisChannel string        `yaml:"redis_channel"`
	} `yaml:"analytics"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Signal configures the local development signalling server.
	Signal struct {
		Address           string        `yaml:"address"`
		JWTSecret         string        `yaml:"jwt_secret"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		P2P               bool          `yaml:"p2p"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// API
	if err := validation.ValidateURL(c.API.URL); err != nil {
		return fmt.Errorf("api.url: %w", err)
	}

	// Rumor
	if c.Rumor.ConnectTimeout <= 0 {
		return fmt.Errorf("rumor.connect_timeout must be > 0")
	}
	if c.Rumor.PingInterval <= 0 {
		return fmt.Errorf("rumor.ping_interval must be > 0")
	}
	if c.Rumor.ConnectivityTimeout <= c.Rumor.PingInterval {
		return fmt.Errorf("rumor.connectivity_timeout must be > rumor.ping_interval")
	}
	if c.Rumor.DrainInterval <= 0 {
		return fmt.Errorf("rumor.drain_interval must be > 0")
	}
	if c.Rumor.DrainRetries < 0 {
		return fmt.Errorf("rumor.drain_retries must be >= 0")
	}

	// Raptor
	if c.Raptor.RequestTimeout < 0 {
		return fmt.Errorf("raptor.request_timeout must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.ICEFailureGrace <= 0 {
		return fmt.Errorf("webrtc.ice_failure_grace must be > 0")
	}
	if c.WebRTC.StatsInterval <= 0 {
		return fmt.Errorf("webrtc.stats_interval must be > 0")
	}

	// Analytics
	if c.Analytics.Enabled {
		if c.Analytics.URL == "" && !c.Redis.Enabled {
			return fmt.Errorf("analytics.url must not be empty when analytics is enabled without redis")
		}
		if c.Analytics.URL != "" {
			if err := validation.ValidateURL(c.Analytics.URL); err != nil {
				return fmt.Errorf("analytics.url: %w", err)
			}
		}
		if c.Analytics.SendDelay < 0 {
			return fmt.Errorf("analytics.send_delay must be >= 0")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.JWTSecret == "" {
		return fmt.Errorf("signal.jwt_secret must not be empty")
	}
	if c.Signal.TokenTTL <= 0 {
		return fmt.Errorf("signal.token_ttl must be > 0")
	}
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.URL = "http://localhost:8081"

	cfg.Rumor.ConnectTimeout = 15 * time.Second
	cfg.Rumor.PingInterval = 9 * time.Second
	cfg.Rumor.ConnectivityTimeout = 5*9*time.Second - 100*time.Millisecond
	cfg.Rumor.DrainInterval = 100 * time.Millisecond
	cfg.Rumor.DrainRetries = 10

	cfg.Raptor.RequestTimeout = 0

	cfg.WebRTC.ICEFailureGrace = 5 * time.Second
	cfg.WebRTC.StatsInterval = time.Second

	cfg.Analytics.Enabled = false
	cfg.Analytics.SendDelay = 300 * time.Millisecond
	cfg.Analytics.RedisChannel = "rtcsession:analytics"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Signal.Address = ":8081"
	cfg.Signal.JWTSecret = "change-me-in-production"
	cfg.Signal.TokenTTL = 24 * time.Hour
	cfg.Signal.MessagesPerSecond = 100
	cfg.Signal.Burst = 200
	cfg.Signal.P2P = true
	cfg.Signal.ShutdownTimeout = 10 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("RTCSESSION_API_URL"); url != "" {
		c.API.URL = url
	}
	if key := os.Getenv("RTCSESSION_API_KEY"); key != "" {
		c.API.APIKey = key
	}
	if id := os.Getenv("RTCSESSION_SESSION_ID"); id != "" {
		c.API.SessionID = id
	}
	if token := os.Getenv("RTCSESSION_TOKEN"); token != "" {
		c.API.Token = token
	}
	if addr := os.Getenv("RTCSESSION_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("RTCSESSION_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RTCSESSION_JWT_SECRET"); secret != "" {
		c.Signal.JWTSecret = secret
	}
}
