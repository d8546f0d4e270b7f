// ABOUTME: Heartbeat and prune timers for connected workers.
// ABOUTME: Pings ready agents for RTT and terminates agents silent past the stale cutoff.

package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
)

// monitor drives liveness for remote agents.
type monitor struct {
	registry  *agent.Registry
	heartbeat time.Duration
	prune     time.Duration
	stale     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func newMonitor(registry *agent.Registry, heartbeat, prune, stale time.Duration, logger *slog.Logger) *monitor {
	return &monitor{
		registry:  registry,
		heartbeat: heartbeat,
		prune:     prune,
		stale:     stale,
		now:       time.Now,
		logger:    logger,
	}
}

// run blocks until ctx is done. A non-positive interval disables that timer.
func (m *monitor) run(ctx context.Context) {
	var heartbeatC, pruneC <-chan time.Time
	if m.heartbeat > 0 {
		t := time.NewTicker(m.heartbeat)
		defer t.Stop()
		heartbeatC = t.C
	}
	if m.prune > 0 {
		t := time.NewTicker(m.prune)
		defer t.Stop()
		pruneC = t.C
	}
	if heartbeatC == nil && pruneC == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatC:
			m.heartbeatOnce()
		case <-pruneC:
			m.pruneOnce()
		}
	}
}

func (m *monitor) heartbeatOnce() {
	for _, ep := range m.registry.HeartbeatTargets() {
		m.registry.RecordPingSent(ep.AgentID)
		if err := ep.Transport.Ping(); err != nil {
			m.logger.Debug("heartbeat ping failed", "agent_id", ep.AgentID, "error", err)
		}
	}
}

// pruneOnce terminates and detaches every agent whose last inbound traffic
// is older than the stale cutoff. Returns how many were pruned.
func (m *monitor) pruneOnce() int {
	if m.stale <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.stale)

	pruned := 0
	for _, ep := range m.registry.Stale(cutoff) {
		_ = ep.Transport.Terminate()
		released, ok := m.registry.Detach(ep.AgentID, ep.Transport)
		if !ok {
			continue
		}
		pruned++
		attrs := []any{"agent_id", ep.AgentID, "stale_after", m.stale}
		if released != nil {
			attrs = append(attrs, "session_key", released.KeyText)
		}
		m.logger.Warn("pruned stale agent", attrs...)
	}
	return pruned
}
