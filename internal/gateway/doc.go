// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the fleet-gateway
// server. It owns the agent registry, the RPC dispatcher, the idle reaper,
// the reconciliation loop, the deploy planner and both listeners.
//
// # Control Socket
//
// Workers connect to GET /agents on the control listener and upgrade to a
// websocket. The first frame must be a hello:
//
//	{"type":"hello","agentId":"w1","protocolVersion":"1.0.0","ready":true,"guildIds":["g1"]}
//
// A hello that does not arrive within the hello window, names no agent, carries
// an unsupported version or fails authentication is answered with close code
// 1008. Outdated workers receive an error frame listing the supported versions
// first. Accepted workers receive a welcome frame.
//
// After the handshake a worker may send guilds, event, resp and hello frames.
// A later hello is validated like the first and closes the socket when
// refused. A reconnect closes the previous socket with "superseded by new
// connection". Requests travel the other way as req frames correlated by id.
//
// # HTTP API
//
// The admin API is served from api.go:
//
//   - GET /api/agents - List agents, optionally by ?guildId=
//   - POST /api/agents/{id}/release - Operator release of an agent's session
//   - POST /api/agents/{id}/handoff - Hint the session to the next idle agent
//   - GET /api/sessions - List leases
//   - POST /api/sessions - Ensure a worker for a session
//   - DELETE /api/sessions - Release a session
//   - POST /api/sessions/hint - Prefer an agent for a session key
//   - POST /api/rpc - Dispatch one op and wait for the answer
//   - GET /api/deploy-plan - Invite plan for a tenant
//   - GET /api/reconcile - Run a reconciliation pass
//   - GET /api/breaker - Fleet breaker state
//   - PUT|DELETE /api/guilds/{id}/idle-release - Tenant idle override
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Allocation failures answer 409 with a reason of no-agents-in-guild,
// no-free-agents or no-session. An open breaker answers 503, an offline
// agent 502 and a timed out call 504.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run stops the background loops and shuts both servers down once ctx is
// canceled.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - ws.go: websocket upgrade, hello handshake, per-agent read loop
//   - monitor.go: heartbeat and stale-agent pruning
//   - api.go: admin HTTP handlers
package gateway
