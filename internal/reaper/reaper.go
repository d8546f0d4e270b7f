// ABOUTME: Idle session reaper: periodically evicts leases idle past their tenant threshold.
// ABOUTME: Asks the worker to release first, then releases locally, then notifies the requester.

package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/rpc"
	"github.com/2389/fleet-gateway/internal/ttlcache"
)

// Caller dispatches an op to a worker.
type Caller interface {
	Call(ctx context.Context, agentID, op string, data json.RawMessage) (json.RawMessage, error)
}

// SettingsStore exposes the per-tenant idle-release override.
type SettingsStore interface {
	GetIdleReleaseOverride(ctx context.Context, guildID string) (time.Duration, bool, error)
}

// OccupancyOracle counts non-worker participants in a voice channel.
type OccupancyOracle interface {
	NonWorkerCount(ctx context.Context, guildID, channelID string) (int, error)
}

// Notifier delivers a message to a user or channel. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification describes an eviction to whoever requested the session.
type Notification struct {
	GuildID   string
	ChannelID string // text channel to post in, may be empty
	UserID    string // requester, may be empty
	AgentID   string
	Key       agent.SessionKey
	Idle      time.Duration
	Message   string
}

// Config holds reaper thresholds.
type Config struct {
	IdleRelease     time.Duration // media and assistant default
	TextIdleRelease time.Duration
	SweepInterval   time.Duration
	TenantCacheTTL  time.Duration
}

// Reaper evicts idle leases.
type Reaper struct {
	cfg       Config
	registry  *agent.Registry
	caller    Caller
	settings  SettingsStore
	occupancy OccupancyOracle
	notifier  Notifier
	cache     *ttlcache.Cache[string, time.Duration]
	now       func() time.Time
	running   atomic.Bool
	logger    *slog.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a Reaper. settings, occupancy and notifier may be nil.
func New(cfg Config, registry *agent.Registry, caller Caller, settings SettingsStore, occupancy OccupancyOracle, notifier Notifier, logger *slog.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		cfg:       cfg,
		registry:  registry,
		caller:    caller,
		settings:  settings,
		occupancy: occupancy,
		notifier:  notifier,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = ttlcache.New[string, time.Duration](cfg.TenantCacheTTL, 4096, ttlcache.WithClock(r.now))
	return r
}

// Run sweeps on the configured interval until ctx is done.
// A non-positive interval disables the reaper.
func (r *Reaper) Run(ctx context.Context) {
	defer r.Close()

	if r.cfg.SweepInterval <= 0 {
		r.logger.Info("idle reaper disabled")
		return
	}

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns how many leases were evicted.
// A pass that starts while another is running returns immediately.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("idle sweep already running")
		return 0
	}
	defer r.running.Store(false)

	evicted := 0
	for _, l := range r.registry.Leases() {
		if ctx.Err() != nil {
			break
		}
		if r.consider(ctx, l) {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("idle sweep finished", "evicted", evicted)
	}
	return evicted
}

// Close releases the threshold cache. Run calls it on exit.
func (r *Reaper) Close() {
	r.cache.Close()
}

// InvalidateTenant drops the cached threshold for a tenant so the next sweep
// re-reads it.
func (r *Reaper) InvalidateTenant(guildID string) {
	r.cache.Delete(guildID)
}

func (r *Reaper) consider(ctx context.Context, l agent.Lease) bool {
	since, err := r.registry.IdleSince(l.Key, l.AgentID)
	if errors.Is(err, agent.ErrStaleLease) {
		if r.registry.DropStale(l.Key, l.AgentID) {
			r.logger.Warn("dropped stale lease", "session_key", l.KeyText, "agent_id", l.AgentID)
		}
		return false
	}
	if err != nil {
		return false
	}

	threshold := r.cfg.TextIdleRelease
	if l.Key.Kind.Voice() {
		threshold = r.tenantThreshold(ctx, l.Key.GuildID)
	}
	if threshold <= 0 {
		return false
	}

	idle := r.now().Sub(since)
	if idle < threshold {
		return false
	}

	if l.Key.Kind.Voice() && r.occupancy != nil {
		n, err := r.occupancy.NonWorkerCount(ctx, l.Key.GuildID, l.Key.ChannelID)
		if err != nil {
			r.logger.Warn("occupancy check failed, keeping session",
				"session_key", l.KeyText, "error", err)
			return false
		}
		if n > 0 {
			return false
		}
	}

	return r.evict(ctx, l, idle)
}

func (r *Reaper) tenantThreshold(ctx context.Context, guildID string) time.Duration {
	if d, ok := r.cache.Get(guildID); ok {
		return d
	}

	d := r.cfg.IdleRelease
	if r.settings != nil {
		override, ok, err := r.settings.GetIdleReleaseOverride(ctx, guildID)
		switch {
		case err != nil:
			r.logger.Warn("reading idle override failed, using default",
				"guild_id", guildID, "error", err)
			return d
		case ok:
			d = override
		}
	}
	r.cache.Set(guildID, d)
	return d
}

func (r *Reaper) evict(ctx context.Context, l agent.Lease, idle time.Duration) bool {
	payload, err := json.Marshal(protocol.ReleasePayload{
		GuildID:        l.Key.GuildID,
		VoiceChannelID: voiceChannel(l.Key),
		TextChannelID:  textChannel(l),
		Kind:           string(l.Key.Kind),
		Reason:         "idle",
	})
	if err != nil {
		r.logger.Error("encoding release payload", "error", err)
		return false
	}

	if _, err := r.caller.Call(ctx, l.AgentID, protocol.OpRelease, payload); err != nil && !alreadyReleased(err) {
		r.logger.Warn("remote release failed, releasing locally",
			"session_key", l.KeyText, "agent_id", l.AgentID, "error", err)
	}

	if _, released := r.registry.Release(l.Key, l.AgentID); !released {
		// the worker may already have reported the release; only bail out
		// when the key now belongs to someone else
		if cur, err := r.registry.Lookup(l.Key); err == nil && cur.AgentID != l.AgentID {
			return false
		}
	}

	r.logger.Info("released idle session",
		"session_key", l.KeyText,
		"agent_id", l.AgentID,
		"idle", idle.Round(time.Second),
	)

	if r.notifier != nil {
		n := Notification{
			GuildID:   l.Key.GuildID,
			ChannelID: textChannel(l),
			UserID:    l.Meta.OwnerUserID,
			AgentID:   l.AgentID,
			Key:       l.Key,
			Idle:      idle,
			Message:   fmt.Sprintf("Session ended after %s of inactivity.", idle.Round(time.Minute)),
		}
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.logger.Debug("idle notification failed", "session_key", l.KeyText, "error", err)
		}
	}
	return true
}

func alreadyReleased(err error) bool {
	if errors.Is(err, rpc.ErrAgentOffline) {
		return true
	}
	var remote *rpc.RemoteError
	return errors.As(err, &remote) && remote.Message == agent.ErrNoSession.Error()
}

func textChannel(l agent.Lease) string {
	if l.Key.Kind == agent.KindText {
		return l.Key.ChannelID
	}
	return l.Meta.TextChannelID
}

func voiceChannel(k agent.SessionKey) string {
	if k.Kind.Voice() {
		return k.ChannelID
	}
	return ""
}
