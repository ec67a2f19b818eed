package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"morsel/internal/domain"
)

// Config is the top-level morsel configuration.
type Config struct {
	Includes   []string         `yaml:"includes,omitempty"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Channel    ChannelConfig    `yaml:"channel"`
	Invocation InvocationConfig `yaml:"invocation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Backplane  BackplaneConfig  `yaml:"backplane"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// GatewayConfig holds the HTTP/WebSocket listener settings.
type GatewayConfig struct {
	Addr            string          `yaml:"addr"`
	Path            string          `yaml:"path"`
	Auth            AuthConfig      `yaml:"auth"`
	OriginPatterns  []string        `yaml:"origin_patterns,omitempty"`
	TrustedProxies  []string        `yaml:"trusted_proxies,omitempty"`
	ReadLimit       int64           `yaml:"read_limit"` // max bytes per inbound message
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Heartbeat       HeartbeatConfig `yaml:"heartbeat"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// AuthConfig holds gateway authentication settings. No tokens and no JWT
// secret means open access.
type AuthConfig struct {
	Tokens    []TokenConfig `yaml:"tokens,omitempty"`
	JWTSecret string        `yaml:"jwt_secret,omitempty"` // HS256 bearer tokens
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig bounds inbound traffic. Zero values disable the limit.
type RateLimitConfig struct {
	PerSecond     float64 `yaml:"per_second"` // invocations per connection
	Burst         int     `yaml:"burst"`
	UpgradesPerIP int     `yaml:"upgrades_per_minute"` // HTTP upgrade requests per client IP
}

// HeartbeatConfig schedules liveness pings to every connection.
type HeartbeatConfig struct {
	Schedule string        `yaml:"schedule"` // cron spec or Go duration; empty disables
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ChannelConfig holds transport framing settings.
type ChannelConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// InvocationConfig holds call settings shared by every connection.
type InvocationConfig struct {
	Timeout           time.Duration `yaml:"timeout"` // 0 disables the deadline
	MaxDecodeFailures int           `yaml:"max_decode_failures"`
	MaxQueued         int           `yaml:"max_queued"` // 0 uses the hub default
}

// PipelineConfig lists middleware stages in order.
type PipelineConfig struct {
	Stages        []string `yaml:"stages,omitempty"`
	AESPassphrase string   `yaml:"aes_passphrase,omitempty"`
	AESSalt       string   `yaml:"aes_salt,omitempty"`
	GzipLevel     int      `yaml:"gzip_level,omitempty"`
}

// BackplaneConfig selects the cross-process relay.
type BackplaneConfig struct {
	Kind          string        `yaml:"kind"` // "local", "redis", "memory", "nats", "amqp"
	RedisURL      string        `yaml:"redis_url,omitempty"`
	NATSURL       string        `yaml:"nats_url,omitempty"`
	AMQPURL       string        `yaml:"amqp_url,omitempty"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around backplane publishes.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:            ":8080",
			Path:            "/hub",
			ReadLimit:       1 << 20,
			Heartbeat:       HeartbeatConfig{Schedule: "@every 30s", Timeout: 10 * time.Second},
			Metrics:         MetricsConfig{Enabled: true, Path: "/metrics"},
			ShutdownTimeout: 10 * time.Second,
		},
		Channel:    ChannelConfig{BufferSize: 8000},
		Invocation: InvocationConfig{Timeout: 30 * time.Second, MaxDecodeFailures: 5},
		Backplane: BackplaneConfig{
			Kind:          "local",
			ChannelPrefix: "morsel",
			Breaker:       BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, Interval: time.Minute},
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop", ServiceName: "morsel", SampleRatio: 1},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncluder(absPath).apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s (second pass): %v", domain.ErrConfigLoad, path, err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MORSEL_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
