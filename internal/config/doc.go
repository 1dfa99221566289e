// Package config handles configuration loading for the slither client core.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults. There is no ambient
// global state: the loaded Config is passed explicitly into the gateway,
// REST, and cache constructors.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	token: "${SLITHER_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  hello_timeout: "15s"
//	  reconnect_backoff: "1s"
//	  max_backoff: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// REST surface:
//
//	api:
//	  base_url: "https://discord.com/api/v9"
//	  timeout: "30s"
//	  max_attempts: 3
//
// Sharding:
//
//	sharding:
//	  shard_count: 2
//	  max_concurrency: 1
//	  identify_stagger: "5s"
//
// Entity cache:
//
//	cache:
//	  ttl: "10m"
//	  capacity: 250
//
// Resume-state persistence:
//
//	store:
//	  enabled: true
//	  path: "/var/lib/slither/session.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("slither.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
