package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides maps MORSEL_* env vars to config fields.
// Malformed numeric or duration values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MORSEL_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MORSEL_GATEWAY_PATH"); v != "" {
		cfg.Gateway.Path = v
	}
	// Comma-separated name=token pairs; a bare token is named after its position.
	if v := os.Getenv("MORSEL_GATEWAY_TOKENS"); v != "" {
		cfg.Gateway.Auth.Tokens = nil
		for i, pair := range splitAndTrim(v, ",") {
			if pair == "" {
				continue
			}
			name, token, ok := strings.Cut(pair, "=")
			if !ok {
				name, token = "token-"+strconv.Itoa(i+1), pair
			}
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Name: name, Token: token})
		}
	}
	if v := os.Getenv("MORSEL_GATEWAY_ORIGINS"); v != "" {
		cfg.Gateway.OriginPatterns = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MORSEL_HEARTBEAT_SCHEDULE"); v != "" {
		cfg.Gateway.Heartbeat.Schedule = v
	}
	if v := os.Getenv("MORSEL_METRICS_ENABLED"); v != "" {
		cfg.Gateway.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("MORSEL_CHANNEL_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Channel.BufferSize = n
		}
	}
	if v := os.Getenv("MORSEL_INVOCATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Invocation.Timeout = d
		}
	}
	if v := os.Getenv("MORSEL_PIPELINE_STAGES"); v != "" {
		cfg.Pipeline.Stages = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MORSEL_AES_PASSPHRASE"); v != "" {
		cfg.Pipeline.AESPassphrase = v
	}
	if v := os.Getenv("MORSEL_BACKPLANE_KIND"); v != "" {
		cfg.Backplane.Kind = v
	}
	if v := os.Getenv("MORSEL_REDIS_URL"); v != "" {
		cfg.Backplane.RedisURL = v
	}
	if v := os.Getenv("MORSEL_NATS_URL"); v != "" {
		cfg.Backplane.NATSURL = v
	}
	if v := os.Getenv("MORSEL_AMQP_URL"); v != "" {
		cfg.Backplane.AMQPURL = v
	}
	if v := os.Getenv("MORSEL_JWT_SECRET"); v != "" {
		cfg.Gateway.Auth.JWTSecret = v
	}
	if v := os.Getenv("MORSEL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MORSEL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MORSEL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MORSEL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
