// ABOUTME: Diagnostic loop diffing persisted worker records against live agents.
// ABOUTME: Reports unknown, non-active and missing workers at warn level; mutates nothing.

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/store"
)

// WorkerLister is the slice of the store the loop reads.
type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]*store.Worker, error)
}

// LiveLister lists live agents.
type LiveLister interface {
	List() []agent.AgentInfo
}

// Drift is one worker whose persisted state disagrees with the live set.
type Drift struct {
	AgentID string             `json:"agentId"`
	Status  store.WorkerStatus `json:"status,omitempty"`
}

// Report is the outcome of one pass.
type Report struct {
	At       time.Time `json:"at"`
	Unknown  []Drift   `json:"unknown"`  // live, no persisted record
	Inactive []Drift   `json:"inactive"` // live, record not active
	Missing  []Drift   `json:"missing"`  // active record, not live
}

// Clean reports whether the pass found no drift.
func (r Report) Clean() bool {
	return len(r.Unknown) == 0 && len(r.Inactive) == 0 && len(r.Missing) == 0
}

// Loop runs reconciliation passes.
type Loop struct {
	workers  WorkerLister
	live     LiveLister
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Loop. An interval <= 0 means Run does a single pass.
func New(workers WorkerLister, live LiveLister, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		workers:  workers,
		live:     live,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Run reconciles once immediately and then on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	if _, err := l.ReconcileOnce(ctx); err != nil {
		l.logger.Error("reconciliation failed", "error", err)
	}
	if l.interval <= 0 {
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.ReconcileOnce(ctx); err != nil {
				l.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// ReconcileOnce diffs the two registries. Local workers are not persisted and
// are left out of the comparison.
func (l *Loop) ReconcileOnce(ctx context.Context) (Report, error) {
	persisted, err := l.workers.ListWorkers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("listing persisted workers: %w", err)
	}

	byID := make(map[string]*store.Worker, len(persisted))
	for _, w := range persisted {
		byID[w.ID] = w
	}

	report := Report{At: l.now()}
	live := make(map[string]struct{})
	for _, info := range l.live.List() {
		if info.Variant == agent.VariantLocal {
			continue
		}
		live[info.ID] = struct{}{}

		w, ok := byID[info.ID]
		switch {
		case !ok:
			report.Unknown = append(report.Unknown, Drift{AgentID: info.ID})
			l.logger.Warn("live agent has no persisted record", "agent_id", info.ID)
		case w.Status != store.WorkerActive:
			report.Inactive = append(report.Inactive, Drift{AgentID: info.ID, Status: w.Status})
			l.logger.Warn("live agent is not active in registry",
				"agent_id", info.ID, "status", w.Status)
		}
	}

	for _, w := range persisted {
		if w.Status != store.WorkerActive {
			continue
		}
		if _, ok := live[w.ID]; !ok {
			report.Missing = append(report.Missing, Drift{AgentID: w.ID, Status: w.Status})
			l.logger.Warn("active worker is not connected", "agent_id", w.ID)
		}
	}

	sortDrift(report.Unknown)
	sortDrift(report.Inactive)
	sortDrift(report.Missing)

	l.logger.Debug("reconciliation finished",
		"persisted", len(persisted),
		"live", len(live),
		"unknown", len(report.Unknown),
		"inactive", len(report.Inactive),
		"missing", len(report.Missing),
	)
	return report, nil
}

func sortDrift(d []Drift) {
	sort.Slice(d, func(i, j int) bool { return d[i].AgentID < d[j].AgentID })
}
