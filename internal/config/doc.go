// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/switchboard.yaml
//  3. ~/.config/switchboard/switchboard.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	store:
//	  path: "${SWITCHBOARD_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  timeout: "10s"
//	dedupe:
//	  ttl: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8080"   # API and event stream
//
// Routing-state store:
//
//	store:
//	  backend: "sqlite"             # memory, sqlite, badger
//	  path: "/var/lib/switchboard/routing.db"
//
// Outbound delivery:
//
//	delivery:
//	  timeout: "10s"
//
// Inbound deduplication:
//
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 100000
//
// Service presentation:
//
//	bot:
//	  display_name: "switchboard"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Defaults
//
// A minimal config only needs server.http_addr. Omitted values fall back
// to: memory backend, 10s delivery timeout, 5m dedupe TTL, 100000 dedupe
// entries, and the display name "switchboard".
//
// # Validation
//
// Load() validates:
//
//   - server.http_addr presence
//   - Backend name (memory, sqlite, badger)
//   - store.path presence for the persistent backends
//   - Duration format validity
//
// # Usage
//
// Load from a specific path:
//
//	cfg, err := config.Load("/etc/switchboard/switchboard.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
