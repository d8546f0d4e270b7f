// ABOUTME: Deploy planning: count live workers in a tenant and pick persisted workers to invite.
// ABOUTME: Enforces the per-tenant worker ceiling and reports any shortfall.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/store"
)

// MaxPerGuild is the most workers a single tenant may hold.
const MaxPerGuild = 49

// DefaultPermissions is the permission bitfield requested by invite links.
const DefaultPermissions int64 = 3148800

var (
	// ErrLimitExceeded is wrapped when a plan would go over MaxPerGuild.
	ErrLimitExceeded = errors.New("agent limit exceeded")
	// ErrInvalidRequest covers a missing guild or negative desired count.
	ErrInvalidRequest = errors.New("invalid deploy request")
)

// Registry is the persisted side the planner reads.
type Registry interface {
	ListWorkers(ctx context.Context) ([]*store.Worker, error)
	GetPoolOwner(ctx context.Context, poolID string) (string, error)
}

// LiveLister lists live agents.
type LiveLister interface {
	List() []agent.AgentInfo
}

// Invite is one worker to add to the tenant.
type Invite struct {
	AgentID   string `json:"agentId"`
	Name      string `json:"name,omitempty"`
	PoolID    string `json:"poolId"`
	InviteURL string `json:"inviteUrl"`
}

// Plan is the answer to a deploy query.
type Plan struct {
	GuildID     string   `json:"guildId"`
	PoolID      string   `json:"poolId,omitempty"`
	PoolOwnerID string   `json:"poolOwnerId,omitempty"`
	Desired     int      `json:"desired"`
	Present     int      `json:"present"`
	Needed      int      `json:"needed"`
	Invites     []Invite `json:"invites"`
	Shortfall   int      `json:"shortfall"`
}

// Planner builds deploy plans.
type Planner struct {
	registry    Registry
	live        LiveLister
	permissions int64
}

// NewPlanner creates a Planner requesting DefaultPermissions in its links.
func NewPlanner(registry Registry, live LiveLister) *Planner {
	return &Planner{registry: registry, live: live, permissions: DefaultPermissions}
}

// Plan computes which workers to invite so guildID reaches desired workers.
// An empty poolID draws from every pool.
func (p *Planner) Plan(ctx context.Context, guildID string, desired int, poolID string) (*Plan, error) {
	if guildID == "" || desired < 0 {
		return nil, fmt.Errorf("%w: guild %q desired %d", ErrInvalidRequest, guildID, desired)
	}

	present := make(map[string]struct{})
	for _, info := range p.live.List() {
		if info.Variant == agent.VariantLocal {
			continue
		}
		if slices.Contains(info.Guilds, guildID) {
			present[info.ID] = struct{}{}
		}
	}
	current := len(present)

	if max(current, desired) > MaxPerGuild {
		return nil, fmt.Errorf("%w: Would exceed %d-agent limit per guild (current: %d, requested: %d)",
			ErrLimitExceeded, MaxPerGuild, current, desired)
	}

	plan := &Plan{
		GuildID: guildID,
		PoolID:  poolID,
		Desired: desired,
		Present: current,
		Needed:  max(0, desired-current),
		Invites: []Invite{},
	}

	if poolID != "" {
		owner, err := p.registry.GetPoolOwner(ctx, poolID)
		if err != nil {
			return nil, fmt.Errorf("looking up pool %s: %w", poolID, err)
		}
		plan.PoolOwnerID = owner
	}

	if plan.Needed == 0 {
		return plan, nil
	}

	workers, err := p.registry.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	slices.SortFunc(workers, func(a, b *store.Worker) int { return strings.Compare(a.ID, b.ID) })

	for _, w := range workers {
		if len(plan.Invites) == plan.Needed {
			break
		}
		if w.Status != store.WorkerActive || w.ClientID == "" {
			continue
		}
		if poolID != "" && w.PoolID != poolID {
			continue
		}
		if _, ok := present[w.ID]; ok {
			continue
		}
		plan.Invites = append(plan.Invites, Invite{
			AgentID:   w.ID,
			Name:      w.Name,
			PoolID:    w.PoolID,
			InviteURL: p.inviteURL(w.ClientID),
		})
	}
	plan.Shortfall = plan.Needed - len(plan.Invites)
	return plan, nil
}

func (p *Planner) inviteURL(clientID string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("permissions", strconv.FormatInt(p.permissions, 10))
	q.Set("scope", "bot applications.commands")
	return "https://discord.com/api/oauth2/authorize?" + q.Encode()
}
