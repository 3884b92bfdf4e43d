package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signaling struct {
		URL             string        `yaml:"url"`
		ListenAddress   string        `yaml:"listen_address"`
		RoomID          string        `yaml:"room_id"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		CandidatesPerSecond float64   `yaml:"candidates_per_second"`
		CandidateBurst  int           `yaml:"candidate_burst"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		// ICETransportPolicy is "all" or "relay". A configuration input,
		// never hardcoded.
		ICETransportPolicy string `yaml:"ice_transport_policy"`
	} `yaml:"webrtc"`

	Health struct {
		CheckingTimeout     time.Duration `yaml:"checking_timeout"`
		GatheringTimeout    time.Duration `yaml:"gathering_timeout"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		StuckHandshake      time.Duration `yaml:"stuck_handshake"`
	} `yaml:"health"`

	IceBuffer struct {
		ForcedFlushDelay time.Duration `yaml:"forced_flush_delay"`
	} `yaml:"ice_buffer"`

	Retry struct {
		MinInterval    time.Duration `yaml:"min_interval"`
		MaxAttempts    int           `yaml:"max_attempts"`
		Window         time.Duration `yaml:"window"`
		BlockDuration  time.Duration `yaml:"block_duration"`
		HardCap        int           `yaml:"hard_cap"`
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		Multiplier     float64       `yaml:"multiplier"`
		LatencyScale   float64       `yaml:"latency_scale"`
	} `yaml:"retry"`

	Media struct {
		Width            int           `yaml:"width"`
		Height           int           `yaml:"height"`
		FrameRate        int           `yaml:"frame_rate"`
		Audio            bool          `yaml:"audio"`
		RecoveryAttempts int           `yaml:"recovery_attempts"`
		RecoveryBackoff  time.Duration `yaml:"recovery_backoff"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		LivenessDeadline time.Duration `yaml:"liveness_deadline"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled  bool   `yaml:"prometheus_enabled"`
		DiagnosticsAddress string `yaml:"diagnostics_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signaling
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.CandidatesPerSecond <= 0 {
		return fmt.Errorf("signaling.candidates_per_second must be > 0")
	}
	if c.Signaling.CandidateBurst <= 0 {
		return fmt.Errorf("signaling.candidate_burst must be > 0")
	}

	// WebRTC
	if p := c.WebRTC.ICETransportPolicy; p != "all" && p != "relay" {
		return fmt.Errorf("webrtc.ice_transport_policy must be all or relay")
	}

	// Health
	if c.Health.CheckingTimeout <= 0 {
		return fmt.Errorf("health.checking_timeout must be > 0")
	}
	if c.Health.GatheringTimeout <= 0 {
		return fmt.Errorf("health.gathering_timeout must be > 0")
	}
	if c.Health.DisconnectedTimeout <= c.Health.CheckingTimeout {
		return fmt.Errorf("health.disconnected_timeout must exceed health.checking_timeout")
	}
	if c.Health.StuckHandshake <= 0 {
		return fmt.Errorf("health.stuck_handshake must be > 0")
	}

	// ICE buffer
	if c.IceBuffer.ForcedFlushDelay <= 0 {
		return fmt.Errorf("ice_buffer.forced_flush_delay must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Window <= 0 {
		return fmt.Errorf("retry.window must be > 0")
	}
	if c.Retry.BlockDuration <= 0 {
		return fmt.Errorf("retry.block_duration must be > 0")
	}
	if c.Retry.HardCap < c.Retry.MaxAttempts {
		return fmt.Errorf("retry.hard_cap must be >= retry.max_attempts")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be >= 1.0")
	}
	if c.Retry.LatencyScale < 1.0 {
		return fmt.Errorf("retry.latency_scale must be >= 1.0")
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return fmt.Errorf("media.width and media.height must be > 0")
	}
	if c.Media.RecoveryAttempts <= 0 {
		return fmt.Errorf("media.recovery_attempts must be > 0")
	}
	if c.Media.PollInterval <= 0 {
		return fmt.Errorf("media.poll_interval must be > 0")
	}
	if c.Media.LivenessDeadline <= 0 {
		return fmt.Errorf("media.liveness_deadline must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
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

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.ListenAddress = ":8081"
	cfg.Signaling.RoomID = "default"
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.PingInterval = 30 * time.Second
	cfg.Signaling.PongTimeout = 60 * time.Second
	cfg.Signaling.CandidatesPerSecond = 20
	cfg.Signaling.CandidateBurst = 40

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.ICETransportPolicy = "all"

	cfg.Health.CheckingTimeout = 10 * time.Second
	cfg.Health.GatheringTimeout = 5 * time.Second
	cfg.Health.DisconnectedTimeout = 15 * time.Second
	cfg.Health.StuckHandshake = 8 * time.Second

	cfg.IceBuffer.ForcedFlushDelay = 3 * time.Second

	cfg.Retry.MinInterval = 2 * time.Second
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.Window = 30 * time.Second
	cfg.Retry.BlockDuration = 60 * time.Second
	cfg.Retry.HardCap = 10
	cfg.Retry.BaseDelay = time.Second
	cfg.Retry.MaxDelay = 30 * time.Second
	cfg.Retry.Multiplier = 2.0
	cfg.Retry.LatencyScale = 1.0

	cfg.Media.Width = 640
	cfg.Media.Height = 480
	cfg.Media.FrameRate = 30
	cfg.Media.Audio = true
	cfg.Media.RecoveryAttempts = 3
	cfg.Media.RecoveryBackoff = time.Second
	cfg.Media.PollInterval = 5 * time.Second
	cfg.Media.LivenessDeadline = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.DiagnosticsAddress = ":9091"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "dev-secret-change-me"
	cfg.Auth.TokenTTL = 12 * time.Hour

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "peerlink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

// applyEnvOverrides lets deployment environments override the values that
// commonly differ per host.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PEERLINK_SIGNALING_URL"); v != "" {
		c.Signaling.URL = v
	}
	if v := os.Getenv("PEERLINK_ROOM_ID"); v != "" {
		c.Signaling.RoomID = v
	}
	if v := os.Getenv("PEERLINK_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("PEERLINK_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("PEERLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
