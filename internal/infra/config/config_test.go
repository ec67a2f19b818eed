package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"morsel/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Gateway.Addr != ":8080" {
		t.Errorf("Gateway.Addr = %q, want :8080", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Path != "/hub" {
		t.Errorf("Gateway.Path = %q, want /hub", cfg.Gateway.Path)
	}
	if cfg.Channel.BufferSize != 8000 {
		t.Errorf("Channel.BufferSize = %d, want 8000", cfg.Channel.BufferSize)
	}
	if cfg.Backplane.Kind != "local" {
		t.Errorf("Backplane.Kind = %q, want local", cfg.Backplane.Kind)
	}
	if cfg.Gateway.Heartbeat.Schedule != "@every 30s" {
		t.Errorf("Heartbeat.Schedule = %q", cfg.Gateway.Heartbeat.Schedule)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel.BufferSize != 8000 {
		t.Errorf("expected defaults, got BufferSize=%d", cfg.Channel.BufferSize)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
gateway:
  addr: "127.0.0.1:9090"
  path: "/chat"
  auth:
    tokens:
      - token: "secret"
        name: "ops"
  rate_limit:
    per_second: 20
    burst: 40
channel:
  buffer_size: 1024
invocation:
  timeout: 2s
pipeline:
  stages: ["send:base64", "gzip", "receive:base64"]
backplane:
  kind: "nats"
  nats_url: "nats://localhost:4222"
  breaker:
    max_failures: 3
logger:
  level: "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Addr != "127.0.0.1:9090" || cfg.Gateway.Path != "/chat" {
		t.Errorf("gateway mismatch: %+v", cfg.Gateway)
	}
	if len(cfg.Gateway.Auth.Tokens) != 1 || cfg.Gateway.Auth.Tokens[0].Name != "ops" {
		t.Errorf("tokens mismatch: %+v", cfg.Gateway.Auth.Tokens)
	}
	if cfg.Gateway.RateLimit.PerSecond != 20 || cfg.Gateway.RateLimit.Burst != 40 {
		t.Errorf("rate limit mismatch: %+v", cfg.Gateway.RateLimit)
	}
	if cfg.Channel.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want 1024", cfg.Channel.BufferSize)
	}
	if cfg.Invocation.Timeout != 2*time.Second {
		t.Errorf("Timeout = %s, want 2s", cfg.Invocation.Timeout)
	}
	if len(cfg.Pipeline.Stages) != 3 {
		t.Errorf("Stages = %v", cfg.Pipeline.Stages)
	}
	if cfg.Backplane.Kind != "nats" || cfg.Backplane.Breaker.MaxFailures != 3 {
		t.Errorf("backplane mismatch: %+v", cfg.Backplane)
	}
	// Untouched sections keep their defaults.
	if cfg.Backplane.ChannelPrefix != "morsel" {
		t.Errorf("ChannelPrefix = %q, want default", cfg.Backplane.ChannelPrefix)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "gateway: [unclosed")
	_, err := Load(path)
	if !errors.Is(err, domain.ErrConfigLoad) {
		t.Fatalf("expected ErrConfigLoad, got %v", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
backplane:
  kind: "redis"
`)
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !strings.Contains(ve.Error(), "redis_url") {
		t.Errorf("error should mention redis_url: %v", ve)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MORSEL_GATEWAY_ADDR", ":7070")
	t.Setenv("MORSEL_GATEWAY_TOKENS", "alice=tok-a, tok-b")
	t.Setenv("MORSEL_BACKPLANE_KIND", "redis")
	t.Setenv("MORSEL_REDIS_URL", "redis://localhost:6379")
	t.Setenv("MORSEL_PIPELINE_STAGES", "send:gzip, base64, receive:gzip")
	t.Setenv("MORSEL_INVOCATION_TIMEOUT", "750ms")
	t.Setenv("MORSEL_CHANNEL_BUFFER_SIZE", "not-a-number")
	t.Setenv("MORSEL_LOGGER_LEVEL", "debug")
	t.Setenv("MORSEL_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.Addr != ":7070" {
		t.Errorf("Addr = %q", cfg.Gateway.Addr)
	}
	toks := cfg.Gateway.Auth.Tokens
	if len(toks) != 2 || toks[0].Name != "alice" || toks[0].Token != "tok-a" || toks[1].Name != "token-2" || toks[1].Token != "tok-b" {
		t.Errorf("Tokens = %+v", toks)
	}
	if cfg.Backplane.Kind != "redis" || cfg.Backplane.RedisURL != "redis://localhost:6379" {
		t.Errorf("Backplane = %+v", cfg.Backplane)
	}
	if len(cfg.Pipeline.Stages) != 3 || cfg.Pipeline.Stages[1] != "base64" {
		t.Errorf("Stages = %v", cfg.Pipeline.Stages)
	}
	if cfg.Invocation.Timeout != 750*time.Millisecond {
		t.Errorf("Timeout = %s", cfg.Invocation.Timeout)
	}
	if cfg.Channel.BufferSize != 8000 {
		t.Errorf("malformed buffer size must be ignored, got %d", cfg.Channel.BufferSize)
	}
	if cfg.Logger.Level != "debug" || !cfg.Tracer.Enabled {
		t.Errorf("logger/tracer overrides not applied")
	}
}

func TestEncryptDecryptValue(t *testing.T) {
	enc, err := EncryptValue("redis://:hunter2@cache:6379", "pass")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	got, err := DecryptValue(enc, "pass")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "redis://:hunter2@cache:6379" {
		t.Errorf("round trip = %q", got)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Error("expected error for wrong passphrase")
	}
	if _, err := DecryptValue("no-separator", "pass"); err == nil {
		t.Error("expected error for malformed value")
	}
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("s3cret", "master")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
gateway:
  auth:
    tokens:
      - name: "ops"
        token: "enc:`+enc+`"
pipeline:
  stages: ["aes"]
  aes_passphrase: "enc:`+enc+`"
`)
	t.Setenv("MORSEL_CONFIG_KEY", "master")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.Tokens[0].Token != "s3cret" {
		t.Errorf("token not decrypted: %q", cfg.Gateway.Auth.Tokens[0].Token)
	}
	if cfg.Pipeline.AESPassphrase != "s3cret" {
		t.Errorf("aes passphrase not decrypted: %q", cfg.Pipeline.AESPassphrase)
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()

	good := writeConfigFile(t, dir, "good.yaml", "")
	if err := validatePermissions(good); err != nil {
		t.Errorf("0600: %v", err)
	}

	readable := writeConfigFile(t, dir, "readable.yaml", "")
	os.Chmod(readable, 0644)
	if err := validatePermissions(readable); err != nil {
		t.Errorf("0644: %v", err)
	}

	bad := writeConfigFile(t, dir, "bad.yaml", "")
	os.Chmod(bad, 0666)
	if err := validatePermissions(bad); err == nil {
		t.Error("0666 should be rejected")
	}

	if err := validatePermissions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail stat")
	}
}
