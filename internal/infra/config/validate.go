package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateChannel(cfg, ve)
	validateInvocation(cfg, ve)
	validatePipeline(cfg, ve)
	validateBackplane(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if !strings.HasPrefix(g.Path, "/") {
		ve.Add("gateway.path %q must start with /", g.Path)
	}
	if g.ReadLimit <= 0 {
		ve.Add("gateway.read_limit must be positive")
	}
	for i, tok := range g.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d]: token is required", i)
		}
	}
	if g.Auth.JWTSecret != "" && len(g.Auth.JWTSecret) < 32 {
		ve.Add("gateway.auth.jwt_secret must be at least 32 bytes")
	}
	if g.RateLimit.PerSecond < 0 || g.RateLimit.Burst < 0 || g.RateLimit.UpgradesPerIP < 0 {
		ve.Add("gateway.rate_limit values must not be negative")
	}
	if g.RateLimit.PerSecond > 0 && g.RateLimit.Burst == 0 {
		ve.Add("gateway.rate_limit.burst must be positive when per_second is set")
	}
	if g.Heartbeat.Schedule != "" {
		if !validSchedule(g.Heartbeat.Schedule) {
			ve.Add("gateway.heartbeat.schedule %q is neither a cron expression nor a duration", g.Heartbeat.Schedule)
		}
	}
	if g.Metrics.Enabled && !strings.HasPrefix(g.Metrics.Path, "/") {
		ve.Add("gateway.metrics.path %q must start with /", g.Metrics.Path)
	}
}

func validSchedule(s string) bool {
	if _, err := cron.ParseStandard(s); err == nil {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

func validateChannel(cfg *Config, ve *ValidationError) {
	if cfg.Channel.BufferSize <= 0 {
		ve.Add("channel.buffer_size must be positive, got %d", cfg.Channel.BufferSize)
	}
}

func validateInvocation(cfg *Config, ve *ValidationError) {
	if cfg.Invocation.Timeout < 0 {
		ve.Add("invocation.timeout must not be negative")
	}
	if cfg.Invocation.MaxDecodeFailures < 0 {
		ve.Add("invocation.max_decode_failures must not be negative")
	}
	if cfg.Invocation.MaxQueued < 0 {
		ve.Add("invocation.max_queued must not be negative")
	}
}

var validStages = []string{"base64", "gzip", "aes"}

func validatePipeline(cfg *Config, ve *ValidationError) {
	usesAES := false
	var sends, receives []string
	for i, raw := range cfg.Pipeline.Stages {
		name, half := strings.ToLower(strings.TrimSpace(raw)), ""
		if prefix, rest, ok := strings.Cut(name, ":"); ok {
			if prefix != "send" && prefix != "receive" {
				ve.Add("pipeline.stages[%d]: unknown direction %q", i, prefix)
			}
			name, half = rest, prefix
		}
		if !slices.Contains(validStages, name) {
			ve.Add("pipeline.stages[%d]: unknown stage %q (valid: %s)", i, raw, strings.Join(validStages, ", "))
		}
		if half != "receive" {
			sends = append(sends, name)
		}
		if half != "send" {
			receives = append(receives, name)
		}
		usesAES = usesAES || name == "aes"
	}
	undo := slices.Clone(sends)
	slices.Reverse(undo)
	if !slices.Equal(undo, receives) {
		ve.Add("pipeline.stages %v cannot decode their own output: keep one full stage and "+
			"split the others into mirrored halves, e.g. [send:base64, gzip, receive:base64]", cfg.Pipeline.Stages)
	}
	if usesAES && cfg.Pipeline.AESPassphrase == "" {
		ve.Add("pipeline.aes_passphrase is required when the aes stage is used")
	}
}

func validateBackplane(cfg *Config, ve *ValidationError) {
	b := cfg.Backplane
	switch b.Kind {
	case "local", "memory":
	case "redis":
		if b.RedisURL == "" {
			ve.Add("backplane.redis_url is required for the redis backplane")
		}
	case "nats":
		if b.NATSURL == "" {
			ve.Add("backplane.nats_url is required for the nats backplane")
		}
	case "amqp":
		if b.AMQPURL == "" {
			ve.Add("backplane.amqp_url is required for the amqp backplane")
		}
	default:
		ve.Add("backplane.kind %q is not one of local, redis, memory, nats, amqp", b.Kind)
	}
	if b.Kind != "local" && b.ChannelPrefix == "" {
		ve.Add("backplane.channel_prefix is required")
	}
	if b.Breaker.Timeout < 0 || b.Breaker.Interval < 0 {
		ve.Add("backplane.breaker durations must not be negative")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of noop, stdout", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}
