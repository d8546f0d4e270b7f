// ABOUTME: Correlates outbound req envelopes with asynchronous resp frames by request id.
// ABOUTME: Each pending call settles exactly once: by response, timeout, send failure or cancellation.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// Transport failures.
var (
	ErrAgentOffline = errors.New("agent-offline")
	ErrAgentTimeout = errors.New("agent-timeout")
)

// RemoteError is a failure reported by the worker in a resp frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ErrorRecorder receives one call per timed-out request.
type ErrorRecorder interface {
	RecordError(agentID string)
}

type result struct {
	data json.RawMessage
	err  error
}

type pending struct {
	agentID string
	op      string
	done    chan result
	timer   *time.Timer
}

// Correlator tracks in-flight requests.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pending
	timeout  time.Duration
	recorder ErrorRecorder
	logger   *slog.Logger
}

// NewCorrelator creates a Correlator with the given per-call timeout.
func NewCorrelator(errs ErrorRecorder, timeout time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		pending:  make(map[string]*pending),
		timeout:  timeout,
		recorder: errs,
		logger:   logger,
	}
}

// Call sends op to the agent over t and waits for its response.
// The pending entry is registered before the send so a fast response can
// never arrive unmatched.
func (c *Correlator) Call(ctx context.Context, agentID string, t agent.Transport, op string, data json.RawMessage) (json.RawMessage, error) {
	if t == nil {
		return nil, ErrAgentOffline
	}

	id := uuid.NewString()
	p := &pending{agentID: agentID, op: op, done: make(chan result, 1)}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.mu.Unlock()

	if err := t.Send(protocol.NewReq(id, agentID, op, data)); err != nil {
		if c.take(id) != nil {
			c.logger.Debug("send failed", "agent_id", agentID, "request_id", id, "op", op, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrAgentOffline, err)
		}
		res := <-p.done
		return res.data, res.err
	}

	select {
	case res := <-p.done:
		return res.data, res.err
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
		res := <-p.done
		return res.data, res.err
	}
}

// Resolve settles the pending call named by resp. Responses for unknown ids
// or from an agent other than the target are ignored. Reports whether the
// response matched.
func (c *Correlator) Resolve(agentID string, resp protocol.Resp) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if !ok || p.agentID != agentID {
		c.mu.Unlock()
		c.logger.Warn("received response for unknown request",
			"request_id", resp.ID,
			"agent_id", agentID,
		)
		return false
	}
	delete(c.pending, resp.ID)
	p.timer.Stop()
	c.mu.Unlock()

	if resp.OK {
		p.done <- result{data: resp.Data}
		return true
	}
	msg := resp.Error
	if msg == "" {
		msg = "command-failed"
	}
	p.done <- result{err: &RemoteError{Message: msg}}
	return true
}

// Pending returns the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the entry for id, or nil if it already settled.
func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

func (c *Correlator) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.logger.Warn("agent request timed out",
		"agent_id", p.agentID,
		"request_id", id,
		"op", p.op,
		"timeout", c.timeout,
	)
	if c.recorder != nil {
		c.recorder.RecordError(p.agentID)
	}
	p.done <- result{err: ErrAgentTimeout}
}
