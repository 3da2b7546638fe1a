// Package config handles configuration loading for coven-biogate.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, then individual fields can be
// overridden by BIOGATE_* environment variables.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BIOGATE_CONFIG environment variable
//  2. ~/.config/coven/biogate.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	crypto:
//	  lease_secret: "${BIOGATE_LEASE_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  ttl: "5m"
//	  sweep_interval: "5s"
//	verification:
//	  timeout: "2m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  grpc_addr: "127.0.0.1:50061"   # gRPC health
//	  http_addr: "127.0.0.1:8090"    # API and verification page
//	  base_url: "https://biogate.example.ts.net"
//	  require_client_token: true
//
// Tailscale replaces both listeners with a tsnet node:
//
//	tailscale:
//	  enabled: true
//	  hostname: "biogate"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true    # tailnet-only TLS
//	  funnel: false  # public HTTPS for the verification page
//
// Storage:
//
//	database:
//	  path: "~/.local/share/coven/biogate.db"
//	preferences:
//	  backend: "sqlite"              # sqlite, redis
//	  redis_url: "redis://localhost:6379/0"
//	  retention: "720h"
//
// Crypto gate:
//
//	crypto:
//	  lease_secret: "${BIOGATE_LEASE_SECRET}"   # at least 32 characters
//	  master_key: "${BIOGATE_MASTER_KEY}"       # base64, at least 32 bytes
//	  bind_window: "30s"
//	  default_scope:
//	    mode: "single_use"                      # single_use, timed
//	  scopes:
//	    backup:
//	      mode: "timed"
//	      ttl: "10s"
//
// WebAuthn:
//
//	webauthn:
//	  display_name: "coven biogate"
//	  max_failures: 5
//	  challenge_ttl: "2m"
//
// Logging and tracing:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	telemetry:
//	  otlp_endpoint: "http://localhost:4318"
//
// # Validation
//
// Load() validates:
//
//   - lease secret minimum length (32 characters)
//   - master key encoding and length
//   - duration format validity and bind_window <= session.ttl
//   - lease modes and preference backend values
package config
