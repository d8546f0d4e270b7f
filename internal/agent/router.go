// ABOUTME: Per-tenant round-robin selection over a health-ranked candidate list.
// ABOUTME: The cursor is kept per tenant while the list is re-sorted on every call.

package agent

import (
	"errors"
	"sort"
	"time"
)

// ErrNoAgentsAvailable indicates an empty candidate list was passed to the router.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects agents using a per-tenant round-robin cursor.
//
// The candidate list is sorted fresh on each call (score descending, id
// ascending) but the cursor only remembers the previous index. When scores
// shift between calls the next index can land on a different agent than a
// stable rotation would pick, so fairness is approximate. Callers should not
// rely on strict rotation.
type Router struct {
	cursors map[string]int
}

// NewRouter creates a Router over the given cursor map. The map is owned by
// the caller's lock.
func NewRouter(cursors map[string]int) *Router {
	if cursors == nil {
		cursors = make(map[string]int)
	}
	return &Router{cursors: cursors}
}

type candidate struct {
	rec   *record
	score int
}

// rank orders candidates by score, best first, ties broken by id.
func rank(recs []*record, score func(*record) int) []candidate {
	out := make([]candidate, len(recs))
	for i, rec := range recs {
		out[i] = candidate{rec: rec, score: score(rec)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].rec.id < out[j].rec.id
	})
	return out
}

// next advances the tenant's cursor and returns the chosen candidate.
func (rt *Router) next(guildID string, ranked []candidate) (*record, error) {
	if len(ranked) == 0 {
		return nil, ErrNoAgentsAvailable
	}
	prev, ok := rt.cursors[guildID]
	if !ok {
		prev = -1
	}
	idx := (prev + 1) % len(ranked)
	rt.cursors[guildID] = idx
	return ranked[idx].rec, nil
}

// selectIdle picks an idle member of guildID. Caller holds the registry lock.
func (r *Registry) selectIdle(guildID string, now time.Time) (*record, int, error) {
	members := 0
	var idle []*record
	for _, rec := range r.agents {
		if !rec.member(guildID) {
			continue
		}
		members++
		if rec.live() && rec.lease == nil {
			idle = append(idle, rec)
		}
	}
	if len(idle) == 0 {
		return nil, members, ErrNoAgentsAvailable
	}
	ranked := rank(idle, func(rec *record) int { return r.scoreLocked(rec, now) })
	rec, err := r.router.next(guildID, ranked)
	return rec, members, err
}

// NextIdle returns the idle member of guildID the round-robin cursor lands on
// next, without binding it. Used for manual handoff.
func (r *Registry) NextIdle(guildID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, members, err := r.selectIdle(guildID, r.now())
	if err != nil {
		if members == 0 {
			return "", ErrNoAgentsInScope
		}
		return "", ErrNoFreeAgents
	}
	return rec.id, nil
}
