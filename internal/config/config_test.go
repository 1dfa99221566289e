// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "slither.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
token: "bot-token"

api:
  base_url: "https://example.test/api/v9"
  timeout: "10s"
  max_attempts: 5

gateway:
  intents: 513
  hello_timeout: "20s"
  reconnect_backoff: "2s"
  max_backoff: "2m"

sharding:
  shard_count: 4
  max_concurrency: 2
  identify_stagger: "6s"

cache:
  ttl: "5m"
  capacity: 100

ratelimit:
  global_per_second: 40
  bucket_idle_ttl: "15m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Token != "bot-token" {
		t.Errorf("Token = %q, want %q", cfg.Token, "bot-token")
	}
	if cfg.API.BaseURL != "https://example.test/api/v9" {
		t.Errorf("API.BaseURL = %q, want %q", cfg.API.BaseURL, "https://example.test/api/v9")
	}
	if cfg.API.Timeout != 10*time.Second {
		t.Errorf("API.Timeout = %v, want %v", cfg.API.Timeout, 10*time.Second)
	}
	if cfg.API.MaxAttempts != 5 {
		t.Errorf("API.MaxAttempts = %d, want 5", cfg.API.MaxAttempts)
	}
	if cfg.Gateway.Intents != 513 {
		t.Errorf("Gateway.Intents = %d, want 513", cfg.Gateway.Intents)
	}
	if cfg.Gateway.HelloTimeout != 20*time.Second {
		t.Errorf("Gateway.HelloTimeout = %v, want %v", cfg.Gateway.HelloTimeout, 20*time.Second)
	}
	if cfg.Sharding.ShardCount != 4 {
		t.Errorf("Sharding.ShardCount = %d, want 4", cfg.Sharding.ShardCount)
	}
	if cfg.Sharding.IdentifyStagger != 6*time.Second {
		t.Errorf("Sharding.IdentifyStagger = %v, want %v", cfg.Sharding.IdentifyStagger, 6*time.Second)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 5*time.Minute)
	}
	if cfg.Cache.Capacity != 100 {
		t.Errorf("Cache.Capacity = %d, want 100", cfg.Cache.Capacity)
	}
	if cfg.RateLimit.GlobalPerSecond != 40 {
		t.Errorf("RateLimit.GlobalPerSecond = %d, want 40", cfg.RateLimit.GlobalPerSecond)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `token: "bot-token"`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.MaxAttempts != 3 {
		t.Errorf("API.MaxAttempts = %d, want default 3", cfg.API.MaxAttempts)
	}
	if cfg.Gateway.HelloTimeout != 15*time.Second {
		t.Errorf("Gateway.HelloTimeout = %v, want default 15s", cfg.Gateway.HelloTimeout)
	}
	if cfg.Sharding.ShardCount != 1 {
		t.Errorf("Sharding.ShardCount = %d, want default 1", cfg.Sharding.ShardCount)
	}
	if cfg.RateLimit.GlobalPerSecond != 45 {
		t.Errorf("RateLimit.GlobalPerSecond = %d, want default 45", cfg.RateLimit.GlobalPerSecond)
	}
	if cfg.Cache.Capacity != 250 {
		t.Errorf("Cache.Capacity = %d, want default 250", cfg.Cache.Capacity)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SLITHER_TEST_TOKEN", "expanded-token")

	configPath := writeConfig(t, `token: "${SLITHER_TEST_TOKEN}"`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Token != "expanded-token" {
		t.Errorf("Token = %q, want %q", cfg.Token, "expanded-token")
	}
}

func TestLoad_MissingToken(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for missing token, got nil")
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error = %v, want mention of missing token", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
token: "bot-token"
gateway:
  hello_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "hello_timeout") {
		t.Errorf("error = %v, want mention of hello_timeout", err)
	}
}

func TestLoad_StoreRequiresPath(t *testing.T) {
	configPath := writeConfig(t, `
token: "bot-token"
store:
  enabled: true
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for enabled store without path, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/slither.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}
