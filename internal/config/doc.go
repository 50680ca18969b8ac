// Package config handles configuration loading for the switchboard.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion. Every field has a default,
// so an empty file is a valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. ./switchboard.yaml, then ./switchboard.toml
//  3. ~/.config/switchboard/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  write_timeout: "5s"
//	idempotency:
//	  ttl: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  driver: "sqlite"              # sqlite or memory
//	  path: "./switchboard.db"
//
//	engine:
//	  max_attempts: 3               # compare-and-set attempts before ErrBusy
//	  retry_delay: "5ms"
//	  message_page_size: 100
//
//	hub:
//	  outbox_size: 256              # frames buffered per observer
//	  write_timeout: "5s"
//
//	observers:
//	  allowed_origins: ["app.example.com"]
//	  max_message_bytes: 65536
//	  inbound_rate: 20              # frames per second per connection
//	  inbound_burst: 40
//	  ping_interval: "30s"
//
//	pause:
//	  auto_resume: false            # resume timed pauses automatically
//
//	idempotency:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: false     # serve TLS on :443 with tailnet certs
//	  funnel: false    # expose publicly on :443 (implies https)
//
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
package config
