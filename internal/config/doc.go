// Package config handles configuration loading for chat-gateway.
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
//  1. Path from EMBEDCHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/embedchat/gateway.yaml
//  3. ~/.config/embedchat/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${EMBEDCHAT_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	autoreply:
//	  timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST API and websocket endpoint
//
// Database:
//
//	database:
//	  path: "/var/lib/embedchat/gateway.db"
//
// Automated replies:
//
//	autoreply:
//	  timeout: "30s"              # Per-webhook call budget
//
// Business record cache:
//
//	cache:
//	  business_ttl: "5m"
//	  max_entries: 10000
//
// Logging:
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "json"              # json, text, color
package config
