// ABOUTME: Entry point for the slither probe client
// ABOUTME: Connects the shard set and tails dispatch events for inspection

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/slither/internal/cache"
	"github.com/2389/slither/internal/config"
	"github.com/2389/slither/internal/gateway"
	"github.com/2389/slither/internal/ratelimit"
	"github.com/2389/slither/internal/rest"
	"github.com/2389/slither/internal/shard"
	"github.com/2389/slither/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _ _ _   _
  ___| (_) |_| |__   ___ _ __
 / __| | | __| '_ \ / _ \ '__|
 \__ \ | | |_| | | |  __/ |
 |___/_|_|\__|_| |_|\___|_|
`

// getConfigPath returns the path to the probe config file.
// Priority: SLITHER_CONFIG env var > XDG_CONFIG_HOME/slither/slither.yaml > ~/.config/slither/slither.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SLITHER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "slither.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "slither", "slither.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: slither-probe <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run      Connect all shards and tail dispatch events")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  gateway  Print the websocket endpoint the service advertises")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runProbe(ctx)
	case "init":
		err = runInit()
	case "gateway":
		err = runGatewayURL(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runProbe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.API.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Shards:  %d (concurrency %d)\n", cfg.Sharding.ShardCount, cfg.Sharding.MaxConcurrency)
	if cfg.Store.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Resume:  %s\n", cfg.Store.Path)
	}
	fmt.Println()

	logger.Info("starting slither-probe",
		"config", configPath,
		"shard_count", cfg.Sharding.ShardCount,
		"intents", cfg.Gateway.Intents,
	)

	entityCache := cache.New(cfg.Cache.TTL, cfg.Cache.Capacity)
	defer entityCache.Close()

	limiter := ratelimit.NewManager(cfg.RateLimit.GlobalPerSecond, cfg.RateLimit.BucketIdleTTL, logger)
	defer limiter.Close()

	restClient := rest.NewClient(cfg.API, cfg.Token, limiter, entityCache, logger)

	var resumeStore gateway.ResumeStore
	if cfg.Store.Enabled {
		sqlStore, err := store.NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("opening resume store: %w", err)
		}
		defer sqlStore.Close()
		resumeStore = sqlStore
	}

	var eventCount atomic.Int64
	handler := func(event string, data json.RawMessage) {
		eventCount.Add(1)
		logger.Debug("dispatch", "event", event, "bytes", len(data))
	}

	supervisor := shard.NewSupervisor(shard.Options{
		Token:    cfg.Token,
		Sharding: cfg.Sharding,
		Gateway:  cfg.Gateway,
		Endpoint: restClient.GatewayURL,
		Handler:  handler,
		Cache:    entityCache,
		Store:    resumeStore,
		Logger:   logger,
		OnShardDown: func(shardID int, err error) {
			logger.Error("shard went down for good", "shard_id", shardID, "error", err)
		},
	})

	err = supervisor.Run(ctx)

	logger.Info("probe stopped",
		"events_seen", eventCount.Load(),
		"cached_guilds", entityCache.Len("guilds"),
		"cached_channels", entityCache.Len("channels"),
	)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runGatewayURL(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	limiter := ratelimit.NewManager(cfg.RateLimit.GlobalPerSecond, cfg.RateLimit.BucketIdleTTL, nil)
	defer limiter.Close()

	client := rest.NewClient(cfg.API, cfg.Token, limiter, nil, nil)
	url, err := client.GatewayURL(ctx)
	if err != nil {
		return err
	}

	fmt.Println(url)
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	configContent := `# slither-probe configuration
# Generated by slither-probe init

token: "${SLITHER_TOKEN}"

gateway:
  intents: 513
  hello_timeout: "15s"
  reconnect_backoff: "1s"
  max_backoff: "60s"

sharding:
  shard_count: 1
  max_concurrency: 1
  identify_stagger: "5s"

cache:
  ttl: "10m"
  capacity: 250

store:
  enabled: false
  path: ""

logging:
  level: "info"
  format: "text"
`

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nSet SLITHER_TOKEN and start the probe:")
	fmt.Println("  slither-probe run")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
