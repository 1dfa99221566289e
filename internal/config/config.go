// ABOUTME: Configuration loading and parsing for the slither client core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Token     string          `yaml:"token"`
	API       APIConfig       `yaml:"api"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Sharding  ShardingConfig  `yaml:"sharding"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig holds REST endpoint configuration.
type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// GatewayConfig holds gateway connection timing configuration.
type GatewayConfig struct {
	Intents          int           `yaml:"intents"`
	HelloTimeout     time.Duration `yaml:"-"`
	ReconnectBackoff time.Duration `yaml:"-"`
	MaxBackoff       time.Duration `yaml:"-"`

	HelloTimeoutRaw     string `yaml:"hello_timeout"`
	ReconnectBackoffRaw string `yaml:"reconnect_backoff"`
	MaxBackoffRaw       string `yaml:"max_backoff"`
}

// ShardingConfig holds shard count and identify pacing configuration.
type ShardingConfig struct {
	ShardCount      int           `yaml:"shard_count"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	IdentifyStagger time.Duration `yaml:"-"`

	IdentifyStaggerRaw string `yaml:"identify_stagger"`
}

// CacheConfig holds entity cache bounds.
type CacheConfig struct {
	TTL      time.Duration `yaml:"-"`
	Capacity int           `yaml:"capacity"`

	TTLRaw string `yaml:"ttl"`
}

// RateLimitConfig holds rate limiter tuning.
type RateLimitConfig struct {
	GlobalPerSecond int           `yaml:"global_per_second"`
	BucketIdleTTL   time.Duration `yaml:"-"`

	BucketIdleTTLRaw string `yaml:"bucket_idle_ttl"`
}

// StoreConfig holds resume-state persistence configuration.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with every tunable set to its default value.
// The token must still be supplied by the caller.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued tunables with their default values.
func (c *Config) ApplyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://discord.com/api/v9"
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "DiscordBot (github.com/2389/slither, 0.1)"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.MaxAttempts == 0 {
		c.API.MaxAttempts = 3
	}
	if c.Gateway.HelloTimeout == 0 {
		c.Gateway.HelloTimeout = 15 * time.Second
	}
	if c.Gateway.ReconnectBackoff == 0 {
		c.Gateway.ReconnectBackoff = time.Second
	}
	if c.Gateway.MaxBackoff == 0 {
		c.Gateway.MaxBackoff = 60 * time.Second
	}
	if c.Sharding.ShardCount == 0 {
		c.Sharding.ShardCount = 1
	}
	if c.Sharding.MaxConcurrency == 0 {
		c.Sharding.MaxConcurrency = 1
	}
	if c.Sharding.IdentifyStagger == 0 {
		c.Sharding.IdentifyStagger = 5 * time.Second
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 250
	}
	if c.RateLimit.GlobalPerSecond == 0 {
		// The platform allows 50 requests per second globally; stay under it.
		c.RateLimit.GlobalPerSecond = 45
	}
	if c.RateLimit.BucketIdleTTL == 0 {
		c.RateLimit.BucketIdleTTL = 10 * time.Minute
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.Sharding.ShardCount < 1 {
		return fmt.Errorf("sharding.shard_count must be at least 1")
	}
	if c.Sharding.MaxConcurrency < 1 {
		return fmt.Errorf("sharding.max_concurrency must be at least 1")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path is required when store is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.API.TimeoutRaw, "api.timeout", &cfg.API.Timeout},
		{cfg.Gateway.HelloTimeoutRaw, "gateway.hello_timeout", &cfg.Gateway.HelloTimeout},
		{cfg.Gateway.ReconnectBackoffRaw, "gateway.reconnect_backoff", &cfg.Gateway.ReconnectBackoff},
		{cfg.Gateway.MaxBackoffRaw, "gateway.max_backoff", &cfg.Gateway.MaxBackoff},
		{cfg.Sharding.IdentifyStaggerRaw, "sharding.identify_stagger", &cfg.Sharding.IdentifyStagger},
		{cfg.Cache.TTLRaw, "cache.ttl", &cfg.Cache.TTL},
		{cfg.RateLimit.BucketIdleTTLRaw, "ratelimit.bucket_idle_ttl", &cfg.RateLimit.BucketIdleTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
