package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		AnnounceInterval time.Duration `yaml:"announce_interval"`
		PLIMinInterval   time.Duration `yaml:"pli_min_interval"`
		MailboxSize      int           `yaml:"mailbox_size"`
	} `yaml:"relay"`

	Coordinator struct {
		LockTimeout         time.Duration `yaml:"lock_timeout"`
		TickInterval        time.Duration `yaml:"tick_interval"`
		SwitchRetryInterval time.Duration `yaml:"switch_retry_interval"`
		SwitchMaxAttempts   int           `yaml:"switch_max_attempts"`
		MailboxSize         int           `yaml:"mailbox_size"`
	} `yaml:"coordinator"`

	Negotiation struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"negotiation"`

	WebRTC struct {
		ICEServers []string `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Sink struct {
		QueueSize    int           `yaml:"queue_size"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"sink"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Bus struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"bus"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Relay.AnnounceInterval <= 0 {
		return fmt.Errorf("relay.announce_interval must be > 0")
	}
	if c.Relay.PLIMinInterval <= 0 {
		return fmt.Errorf("relay.pli_min_interval must be > 0")
	}
	if c.Relay.MailboxSize <= 0 {
		return fmt.Errorf("relay.mailbox_size must be > 0")
	}

	if c.Coordinator.LockTimeout <= 0 {
		return fmt.Errorf("coordinator.lock_timeout must be > 0")
	}
	if c.Coordinator.TickInterval <= 0 {
		return fmt.Errorf("coordinator.tick_interval must be > 0")
	}
	if c.Coordinator.TickInterval > c.Coordinator.LockTimeout {
		return fmt.Errorf("coordinator.tick_interval must not exceed lock_timeout")
	}
	if c.Coordinator.SwitchRetryInterval <= 0 {
		return fmt.Errorf("coordinator.switch_retry_interval must be > 0")
	}
	if c.Coordinator.SwitchMaxAttempts <= 0 {
		return fmt.Errorf("coordinator.switch_max_attempts must be > 0")
	}
	if c.Coordinator.MailboxSize <= 0 {
		return fmt.Errorf("coordinator.mailbox_size must be > 0")
	}

	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be > 0")
	}

	if c.Sink.QueueSize <= 0 {
		return fmt.Errorf("sink.queue_size must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is enabled")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is enabled")
		}
	}

	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults are used.
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.AnnounceInterval = time.Second
	cfg.Relay.PLIMinInterval = 500 * time.Millisecond
	cfg.Relay.MailboxSize = 512

	cfg.Coordinator.LockTimeout = 3 * time.Second
	cfg.Coordinator.TickInterval = 500 * time.Millisecond
	cfg.Coordinator.SwitchRetryInterval = 500 * time.Millisecond
	cfg.Coordinator.SwitchMaxAttempts = 6
	cfg.Coordinator.MailboxSize = 512

	cfg.Negotiation.Timeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}

	cfg.Sink.QueueSize = 256
	cfg.Sink.WriteTimeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Bus.BufferSize = 256

	cfg.Auth.JWTSecret = ""

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RELAYGRID_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RELAYGRID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("RELAYGRID_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("RELAYGRID_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
