// Package rpc relays operations to workers and awaits their answers.
//
// # Correlator
//
// Every call gets a fresh request id. The pending entry and its timeout
// timer are registered before the req frame is written. The entry is then
// removed exactly once by whichever happens first:
//
//   - a resp frame with the same id from the same agent
//   - the timeout (ErrAgentTimeout, recorded against the agent's health)
//   - a synchronous send failure (ErrAgentOffline)
//   - cancellation of the caller's context
//
// # Breaker
//
// A single gobreaker instance guards all remote dispatch. It trips when the
// share of transport failures within the rolling window reaches the
// configured percentage with at least the minimum number of requests, fails
// fast with ErrCircuitOpen for the cool-down, then admits one trial call.
// Worker-reported failures (RemoteError) do not count against it.
//
// # Dispatcher
//
// Dispatcher.Call resolves the worker variant from the registry. The local
// fallback worker is invoked directly and never touches the breaker or the
// correlator.
package rpc
