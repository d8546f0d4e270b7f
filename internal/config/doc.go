// Package config handles configuration loading for fleet-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion, then overridden by AGENT_* environment knobs. Every value has a
// default, so the gateway can start with no file at all.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  runner_secret: "${AGENT_RUNNER_SECRET}"
//
// # Environment Knobs
//
// These override file values. Millisecond knobs take plain integers:
//
//	AGENT_CONTROL_HOST, AGENT_CONTROL_PORT
//	AGENT_RUNNER_SECRET
//	AGENT_HELLO_TIMEOUT_MS, AGENT_STALE_MS, AGENT_PRUNE_INTERVAL_MS
//	AGENT_HEARTBEAT_INTERVAL_MS, AGENT_RECONCILE_INTERVAL_MS, AGENT_RPC_TIMEOUT_MS
//	AGENT_SESSION_IDLE_RELEASE_MS, AGENT_TEXT_IDLE_RELEASE_MS
//	AGENT_IDLE_SWEEP_INTERVAL_MS, AGENT_TENANT_CACHE_TTL_MS
//	AGENT_MAX_FRAME_BYTES
//	FLEET_DB_PATH, FLEET_JWT_SECRET
//
// # Example
//
//	server:
//	  control_addr: "0.0.0.0:8787"   # worker sockets
//	  http_addr: "127.0.0.1:8788"    # admin API, health
//
//	database:
//	  path: "/var/lib/fleet/registry.db"
//
//	auth:
//	  runner_secret: "${AGENT_RUNNER_SECRET}"
//	  per_worker_credentials: false
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
//	agents:
//	  hello_timeout: "10s"
//	  stale_after: "45s"
//	  prune_interval: "15s"
//	  heartbeat_interval: "15s"
//	  reconcile_interval: "5m"
//	  rpc_timeout: "20s"
//	  max_frame_bytes: 1048576
//
//	sessions:
//	  idle_release: "30m"
//	  text_idle_release: "10m"
//	  sweep_interval: "1m"
//	  tenant_cache_ttl: "1m"
//	  hint_ttl: "2m"
//
//	breaker:
//	  error_threshold_percent: 50
//	  min_requests: 5
//	  window: "1m"
//	  cool_down: "30s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// A zero interval disables the corresponding background loop.
package config
