// ABOUTME: Worker variant: a networked Remote reached through a Transport, or an in-process Local.
// ABOUTME: Dispatch branches on the concrete type rather than probing marker fields.

package agent

import (
	"context"
	"encoding/json"
)

// Transport is the send side of one worker connection.
type Transport interface {
	// Send writes v as one JSON frame.
	Send(v any) error
	// Ping sends a transport-level ping.
	Ping() error
	// Close performs a close handshake with the given code and reason.
	Close(code int, reason string) error
	// Terminate drops the connection without a handshake.
	Terminate() error
}

// LocalHandler executes ops for the in-process fallback worker.
type LocalHandler interface {
	Handle(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error)
}

// LocalHandlerFunc adapts a function to LocalHandler.
type LocalHandlerFunc func(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error)

// Handle calls f.
func (f LocalHandlerFunc) Handle(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, op, data)
}

// Worker is either Remote or Local.
type Worker interface {
	isWorker()
}

// Remote is a worker connected over the control socket.
type Remote struct {
	Transport Transport
}

// Local is the in-process fallback worker.
type Local struct {
	Handler LocalHandler
}

func (Remote) isWorker() {}
func (Local) isWorker()  {}

// Variant names as reported in AgentInfo.
const (
	VariantRemote = "remote"
	VariantLocal  = "local"
)

func variantName(w Worker) string {
	switch w.(type) {
	case Local:
		return VariantLocal
	default:
		return VariantRemote
	}
}
