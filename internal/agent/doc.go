// Package agent tracks live workers and the sessions bound to them.
//
// # Overview
//
// The Registry is the single source of truth for connected agents. It owns
// agent records, the session lease map, preferred-agent hints and the
// per-tenant round-robin cursors, all behind one mutex. Every operation that
// reads an entry and mutates based on it does both inside one critical
// section, so a disconnect can never interleave with a release or a bind.
//
// # Workers
//
// An agent is backed by a Worker, which is either:
//
//   - Remote{Transport}: a process connected over the control socket
//   - Local{Handler}: the in-process fallback worker, called directly
//
// # Registry
//
//	reg := agent.NewRegistry(logger)
//	superseded, err := reg.Attach(hello, transport)
//
// Key operations:
//
//   - Attach / AttachLocal: register or re-attach a worker
//   - Detach(id, transport): remove a worker if transport is still current
//   - SetGuilds, Touch, MarkActive: membership and liveness
//   - RecordPingSent / RecordPong: smoothed round-trip time
//   - RecordRequest / RecordError: counters and the 60s error window
//   - Stale(cutoff), HeartbeatTargets(): inputs for the monitor
//
// # Leasing
//
// Ensure binds a SessionKey to one agent:
//
//  1. an existing live holder is returned unchanged
//  2. a live, unexpired hint for an idle ready agent is honoured
//  3. otherwise idle members of the tenant are ranked by Score and the
//     tenant's round-robin cursor picks one
//  4. with no members the result is ErrNoAgentsInScope, with members but
//     none idle it is ErrNoFreeAgents
//
// Release(key, expectedAgentID) is idempotent and ignores calls naming the
// wrong holder.
//
// # Health
//
// Score starts at 100, loses 10 per error in the last 60 seconds (up to 40)
// and 10/20/30 for RTT above 200ms/500ms/1s, and gains 5 when unleased. It
// ranks candidates and never excludes them.
package agent
