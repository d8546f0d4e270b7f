// ABOUTME: Session leasing: bind a session key to exactly one agent, release it, honour hints.
// ABOUTME: Every lookup-and-mutate runs inside the registry lock so no key is ever double-booked.

package agent

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Allocation failures. These are ordinary results for callers to surface.
var (
	ErrNoAgentsInScope = errors.New("no-agents-in-guild")
	ErrNoFreeAgents    = errors.New("no-free-agents")
	ErrNoSession       = errors.New("no-session")
)

// ErrKeyHeld is returned when a worker reports a bind for a key another agent holds.
var ErrKeyHeld = errors.New("session key held by another agent")

// ErrInvalidKey is returned for keys missing a guild or channel.
var ErrInvalidKey = errors.New("invalid session key")

// ErrStaleLease marks a lease entry whose agent is gone or holds something else.
var ErrStaleLease = errors.New("stale lease")

// Reason returns the short machine reason for an allocation failure, or "" if
// err is not one.
func Reason(err error) string {
	for _, sentinel := range []error{ErrNoAgentsInScope, ErrNoFreeAgents, ErrNoSession} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

// LeaseMeta is routing context stored with a lease for notifications.
// It is not part of the key.
type LeaseMeta struct {
	TextChannelID string `json:"textChannelId,omitempty"`
	OwnerUserID   string `json:"ownerUserId,omitempty"`
}

// Lease binds a session key to one agent.
type Lease struct {
	Key     SessionKey `json:"key"`
	KeyText string     `json:"keyText"`
	AgentID string     `json:"agentId"`
	Meta    LeaseMeta  `json:"meta"`
	BoundAt time.Time  `json:"boundAt"`
}

type hint struct {
	agentID   string
	expiresAt time.Time
}

// Ensure returns the agent bound to key, binding one if needed.
//
// Order: an existing live holder is reused; a stale entry is dropped; a live
// hint for an idle ready agent wins; otherwise the next idle member of the
// tenant by health rank and round-robin cursor is bound.
func (r *Registry) Ensure(key SessionKey, meta LeaseMeta) (Lease, error) {
	if !key.Valid() {
		return Lease{}, ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if l, ok := r.leases[key]; ok {
		if rec := r.agents[l.AgentID]; rec != nil && rec.live() && rec.lease == l {
			return *l, nil
		}
		r.dropLocked(key, l)
	}

	if h, ok := r.hints[key]; ok {
		if !now.Before(h.expiresAt) {
			delete(r.hints, key)
		} else if rec := r.agents[h.agentID]; rec != nil && rec.live() && rec.lease == nil {
			delete(r.hints, key)
			l := r.bindLocked(rec, key, meta, now)
			r.logger.Info("session bound from hint", "session_key", key.String(), "agent_id", rec.id)
			return *l, nil
		}
	}

	rec, members, err := r.selectIdle(key.GuildID, now)
	if err != nil {
		if members == 0 {
			return Lease{}, ErrNoAgentsInScope
		}
		return Lease{}, ErrNoFreeAgents
	}

	l := r.bindLocked(rec, key, meta, now)
	r.logger.Info("session bound", "session_key", key.String(), "agent_id", rec.id)
	return *l, nil
}

// Lookup returns the live holder of key. A stale entry is dropped and
// reported as ErrNoSession.
func (r *Registry) Lookup(key SessionKey) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok {
		return Lease{}, ErrNoSession
	}
	if rec := r.agents[l.AgentID]; rec == nil || !rec.live() || rec.lease != l {
		r.dropLocked(key, l)
		return Lease{}, ErrNoSession
	}
	return *l, nil
}

// Release removes the lease for key. With a non-empty expectedAgentID it is a
// no-op unless that agent is the holder. Returns the removed lease.
func (r *Registry) Release(key SessionKey, expectedAgentID string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok {
		return Lease{}, false
	}
	if expectedAgentID != "" && l.AgentID != expectedAgentID {
		return Lease{}, false
	}
	r.dropLocked(key, l)
	r.logger.Info("session released", "session_key", key.String(), "agent_id", l.AgentID)
	return *l, true
}

// ReleaseAgent clears whatever lease the agent holds.
func (r *Registry) ReleaseAgent(agentID string) (Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return Lease{}, false
	}
	l := r.releaseAgentLocked(rec)
	if l == nil {
		return Lease{}, false
	}
	return *l, true
}

// BindReported records a bind the worker announced itself. A worker already
// holding a different key is moved to the new one.
func (r *Registry) BindReported(agentID string, key SessionKey, meta LeaseMeta) (Lease, error) {
	if !key.Valid() {
		return Lease{}, ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return Lease{}, ErrAgentNotFound
	}
	if l, held := r.leases[key]; held {
		if l.AgentID == agentID && rec.lease == l {
			return *l, nil
		}
		if holder := r.agents[l.AgentID]; holder != nil && holder.live() && holder.lease == l {
			return Lease{}, fmt.Errorf("%w: %s holds %s", ErrKeyHeld, l.AgentID, key)
		}
		r.dropLocked(key, l)
	}
	r.releaseAgentLocked(rec)
	l := r.bindLocked(rec, key, meta, r.now())
	return *l, nil
}

// SetHint records a preferred agent for key until ttl elapses.
func (r *Registry) SetHint(key SessionKey, agentID string, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hints[key] = hint{agentID: agentID, expiresAt: r.now().Add(ttl)}
}

// Leases returns every lease ordered by key text.
func (r *Registry) Leases() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Lease, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyText < out[j].KeyText })
	return out
}

// DropStale deletes the entry for key if it still names agentID but that
// agent is gone or no longer points back at it. Reports whether it dropped.
func (r *Registry) DropStale(key SessionKey, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok || l.AgentID != agentID {
		return false
	}
	if rec := r.agents[agentID]; rec != nil && rec.lease == l {
		return false
	}
	r.dropLocked(key, l)
	return true
}

// IdleSince returns when the holder of key was last active. A key bound to
// someone else reports ErrNoSession; an entry whose agent no longer points
// back at it reports ErrStaleLease and is left for DropStale.
func (r *Registry) IdleSince(key SessionKey, agentID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[key]
	if !ok || l.AgentID != agentID {
		return time.Time{}, ErrNoSession
	}
	rec := r.agents[agentID]
	if rec == nil || rec.lease != l {
		return time.Time{}, ErrStaleLease
	}
	if rec.lastActive.IsZero() {
		return l.BoundAt, nil
	}
	return rec.lastActive, nil
}

func (r *Registry) bindLocked(rec *record, key SessionKey, meta LeaseMeta, now time.Time) *Lease {
	l := &Lease{
		Key:     key,
		KeyText: key.String(),
		AgentID: rec.id,
		Meta:    meta,
		BoundAt: now,
	}
	rec.lease = l
	rec.lastActive = now
	r.leases[key] = l
	return l
}

// dropLocked removes l from the forward map and clears the holder's pointer
// when it still refers to l.
func (r *Registry) dropLocked(key SessionKey, l *Lease) {
	if cur, ok := r.leases[key]; ok && cur == l {
		delete(r.leases, key)
	}
	if rec := r.agents[l.AgentID]; rec != nil && rec.lease == l {
		rec.lease = nil
		rec.lastActive = r.now()
	}
}

func (r *Registry) releaseAgentLocked(rec *record) *Lease {
	l := rec.lease
	if l == nil {
		return nil
	}
	r.dropLocked(l.Key, l)
	rec.lease = nil
	return l
}
