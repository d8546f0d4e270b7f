// ABOUTME: Dispatches an op to a bound worker, branching on the worker variant.
// ABOUTME: Local workers are called directly; remote ones go through the breaker and correlator.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// Dispatcher is the single entry point for RPCs to workers.
type Dispatcher struct {
	registry   *agent.Registry
	correlator *Correlator
	breaker    *Breaker
	logger     *slog.Logger
}

// NewDispatcher wires a dispatcher over the registry.
func NewDispatcher(registry *agent.Registry, correlator *Correlator, breaker *Breaker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		correlator: correlator,
		breaker:    breaker,
		logger:     logger,
	}
}

// Call sends op to agentID and waits for the result.
func (d *Dispatcher) Call(ctx context.Context, agentID, op string, data json.RawMessage) (json.RawMessage, error) {
	w, err := d.registry.Worker(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentOffline, agentID)
	}

	d.registry.MarkActive(agentID)
	d.registry.RecordRequest(agentID)

	switch w := w.(type) {
	case agent.Local:
		return w.Handler.Handle(ctx, op, data)
	case agent.Remote:
		return d.breaker.Execute(func() (json.RawMessage, error) {
			return d.correlator.Call(ctx, agentID, w.Transport, op, data)
		})
	default:
		return nil, fmt.Errorf("%w: unknown worker variant %T", ErrAgentOffline, w)
	}
}

// HandleResponse routes a resp frame from agentID to its pending call.
func (d *Dispatcher) HandleResponse(agentID string, resp protocol.Resp) {
	if d.correlator.Resolve(agentID, resp) {
		d.registry.MarkActive(agentID)
	}
}

// BreakerStatus reports the fleet breaker state.
func (d *Dispatcher) BreakerStatus() BreakerStatus {
	return d.breaker.Status()
}

// Pending returns the number of in-flight remote calls.
func (d *Dispatcher) Pending() int {
	return d.correlator.Pending()
}
