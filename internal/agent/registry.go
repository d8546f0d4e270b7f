// ABOUTME: Registry of live workers: attach/detach, membership, liveness and health counters.
// ABOUTME: One mutex guards agents, leases, hints and cursors so read-then-mutate never interleaves.

package agent

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// ErrReservedID is returned when a remote worker claims the id of the local worker.
var ErrReservedID = errors.New("agent id reserved by local worker")

// record is the mutable state of one live agent. Only touched under Registry.mu.
type record struct {
	id              string
	worker          Worker
	protocolVersion string
	ready           bool
	guilds          map[string]struct{}
	allGuilds       bool
	lease           *Lease
	tag             string
	botUserID       string

	rtt        time.Duration
	pingSentAt time.Time
	errWindow  errorWindow
	requests   uint64
	errors     uint64

	startedAt  time.Time
	lastSeen   time.Time
	lastActive time.Time
}

func (r *record) member(guildID string) bool {
	if r.allGuilds {
		return true
	}
	_, ok := r.guilds[guildID]
	return ok
}

// live reports whether the record can take work right now.
func (r *record) live() bool {
	if !r.ready {
		return false
	}
	switch w := r.worker.(type) {
	case Remote:
		return w.Transport != nil
	case Local:
		return w.Handler != nil
	}
	return false
}

// AgentInfo is a point-in-time snapshot of an agent for callers outside the lock.
type AgentInfo struct {
	ID              string        `json:"id"`
	Variant         string        `json:"variant"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Ready           bool          `json:"ready"`
	Guilds          []string      `json:"guilds"`
	AllGuilds       bool          `json:"allGuilds,omitempty"`
	Lease           *Lease        `json:"lease,omitempty"`
	Tag             string        `json:"tag,omitempty"`
	BotUserID       string        `json:"botUserId,omitempty"`
	RTT             time.Duration `json:"rttNanos"`
	RecentErrors    int           `json:"recentErrors"`
	Requests        uint64        `json:"requests"`
	Errors          uint64        `json:"errors"`
	Score           int           `json:"score"`
	StartedAt       time.Time     `json:"startedAt"`
	LastSeen        time.Time     `json:"lastSeen"`
	LastActive      time.Time     `json:"lastActive,omitzero"`
}

// Registry is the single source of truth for live agents and their leases.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*record
	leases  map[SessionKey]*Lease
	hints   map[SessionKey]hint
	cursors map[string]int
	router  *Router
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]*record),
		leases:  make(map[SessionKey]*Lease),
		hints:   make(map[SessionKey]hint),
		cursors: make(map[string]int),
		now:     time.Now,
		logger:  logger,
	}
	r.router = NewRouter(r.cursors)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach registers a worker after a successful hello, or re-attaches an
// existing agent id to a new connection. The returned transport, if non-nil,
// is the superseded connection and must be closed by the caller.
// A reconnecting agent keeps its lease.
func (r *Registry) Attach(hello protocol.Hello, t Transport) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, exists := r.agents[hello.AgentID]
	var superseded Transport

	if exists {
		switch w := rec.worker.(type) {
		case Local:
			return nil, ErrReservedID
		case Remote:
			if w.Transport != nil && w.Transport != t {
				superseded = w.Transport
			}
		}
	} else {
		rec = &record{id: hello.AgentID, startedAt: now}
		r.agents[hello.AgentID] = rec
	}

	if superseded != nil || !exists {
		rec.rtt = 0
		rec.pingSentAt = time.Time{}
	}
	rec.worker = Remote{Transport: t}
	rec.protocolVersion = hello.ProtocolVersion
	rec.ready = hello.Ready
	rec.guilds = toSet(hello.GuildIDs)
	rec.tag = hello.Tag
	rec.botUserID = hello.BotUserID
	rec.lastSeen = now

	if !exists || superseded != nil {
		r.logger.Info("=== AGENT CONNECTED ===",
			"agent_id", rec.id,
			"protocol_version", rec.protocolVersion,
			"ready", rec.ready,
			"guilds", len(rec.guilds),
			"reconnect", exists,
			"total_agents", len(r.agents),
		)
	}
	return superseded, nil
}

// Refresh applies a hello received on an established connection. It only
// updates metadata when t is still the agent's current transport, so a late
// hello read from a superseded socket cannot repoint the agent at it.
// Health counters and the lease are left alone.
func (r *Registry) Refresh(hello protocol.Hello, t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[hello.AgentID]
	if !ok {
		return ErrAgentNotFound
	}
	if w, isRemote := rec.worker.(Remote); !isRemote || w.Transport != t {
		return ErrAgentNotFound
	}

	rec.protocolVersion = hello.ProtocolVersion
	rec.ready = hello.Ready
	rec.guilds = toSet(hello.GuildIDs)
	rec.tag = hello.Tag
	rec.botUserID = hello.BotUserID
	rec.lastSeen = r.now()
	return nil
}

// AttachLocal registers the in-process fallback worker. When allGuilds is
// set it is a member of every tenant.
func (r *Registry) AttachLocal(id string, h LocalHandler, guilds []string, allGuilds bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.agents[id] = &record{
		id:              id,
		worker:          Local{Handler: h},
		protocolVersion: protocol.ProtocolVersion,
		ready:           true,
		guilds:          toSet(guilds),
		allGuilds:       allGuilds,
		startedAt:       now,
		lastSeen:        now,
	}
	r.logger.Info("local worker attached", "agent_id", id, "all_guilds", allGuilds)
}

// Detach removes the agent if t is still its current transport and releases
// any lease it holds. It is a no-op for superseded connections.
func (r *Registry) Detach(id string, t Transport) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	w, isRemote := rec.worker.(Remote)
	if !isRemote || w.Transport != t {
		return nil, false
	}

	released := r.releaseAgentLocked(rec)
	delete(r.agents, id)

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", id,
		"released_session", sessionKeyAttr(released),
		"total_agents", len(r.agents),
	)
	return released, true
}

// SetGuilds replaces the agent's membership and returns what changed.
func (r *Registry) SetGuilds(id string, guildIDs []string) (added, removed []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return nil, nil, ErrAgentNotFound
	}
	next := toSet(guildIDs)
	for g := range next {
		if _, had := rec.guilds[g]; !had {
			added = append(added, g)
		}
	}
	for g := range rec.guilds {
		if _, has := next[g]; !has {
			removed = append(removed, g)
		}
	}
	rec.guilds = next
	rec.lastSeen = r.now()

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

// Touch records inbound traffic of any kind.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.lastSeen = r.now()
	}
}

// MarkActive records RPC traffic for the agent.
func (r *Registry) MarkActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.lastActive = r.now()
	}
}

// RecordPingSent stamps the time a heartbeat ping left for the agent.
func (r *Registry) RecordPingSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.pingSentAt = r.now()
	}
}

// RecordPong folds the round trip since the last ping into the smoothed RTT.
func (r *Registry) RecordPong(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return
	}
	now := r.now()
	rec.lastSeen = now
	if rec.pingSentAt.IsZero() {
		return
	}
	sample := now.Sub(rec.pingSentAt)
	rec.pingSentAt = time.Time{}
	if sample < 0 {
		return
	}
	rec.rtt = smoothRTT(rec.rtt, sample)
}

// RecordRequest counts one dispatched RPC.
func (r *Registry) RecordRequest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.requests++
	}
}

// RecordError counts one failed RPC in the agent's rolling window.
func (r *Registry) RecordError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.errors++
		rec.errWindow.add(r.now())
	}
}

// Endpoint pairs an agent id with its current transport.
type Endpoint struct {
	AgentID   string
	Transport Transport
}

// Stale returns remote agents whose last inbound traffic predates cutoff.
func (r *Registry) Stale(cutoff time.Time) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Endpoint
	for _, rec := range r.agents {
		w, ok := rec.worker.(Remote)
		if !ok || w.Transport == nil {
			continue
		}
		if rec.lastSeen.Before(cutoff) {
			out = append(out, Endpoint{AgentID: rec.id, Transport: w.Transport})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// HeartbeatTargets returns ready remote agents with an open transport.
func (r *Registry) HeartbeatTargets() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Endpoint
	for _, rec := range r.agents {
		w, ok := rec.worker.(Remote)
		if !ok || w.Transport == nil || !rec.ready {
			continue
		}
		out = append(out, Endpoint{AgentID: rec.id, Transport: w.Transport})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Endpoints returns every remote agent with an open transport.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Endpoint
	for _, rec := range r.agents {
		if w, ok := rec.worker.(Remote); ok && w.Transport != nil {
			out = append(out, Endpoint{AgentID: rec.id, Transport: w.Transport})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Worker returns the agent's worker variant when it is ready and live.
func (r *Registry) Worker(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if !rec.live() {
		return nil, ErrAgentNotFound
	}
	return rec.worker, nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return r.infoLocked(rec), true
}

// List returns snapshots of every agent ordered by id.
func (r *Registry) List() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, r.infoLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of agents and how many of them are ready.
func (r *Registry) Count() (total, ready int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.agents {
		if rec.live() {
			ready++
		}
	}
	return len(r.agents), ready
}

func (r *Registry) infoLocked(rec *record) AgentInfo {
	now := r.now()
	recent := rec.errWindow.count(now)
	info := AgentInfo{
		ID:              rec.id,
		Variant:         variantName(rec.worker),
		ProtocolVersion: rec.protocolVersion,
		Ready:           rec.ready,
		Guilds:          slices.Sorted(maps.Keys(rec.guilds)),
		AllGuilds:       rec.allGuilds,
		Tag:             rec.tag,
		BotUserID:       rec.botUserID,
		RTT:             rec.rtt,
		RecentErrors:    recent,
		Requests:        rec.requests,
		Errors:          rec.errors,
		Score:           Score(recent, rec.rtt, rec.lease != nil),
		StartedAt:       rec.startedAt,
		LastSeen:        rec.lastSeen,
		LastActive:      rec.lastActive,
	}
	if rec.lease != nil {
		l := *rec.lease
		info.Lease = &l
	}
	return info
}

func (r *Registry) scoreLocked(rec *record, now time.Time) int {
	return Score(rec.errWindow.count(now), rec.rtt, rec.lease != nil)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func sessionKeyAttr(l *Lease) string {
	if l == nil {
		return ""
	}
	return l.Key.String()
}
