// ABOUTME: Tests for the admin HTTP API handlers and their status mapping.
// ABOUTME: Agents attach directly to the registry through fake transports or as a local worker.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/deploy"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/reconcile"
	"github.com/2389/fleet-gateway/internal/store"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// attachFake registers a remote agent without a socket.
func attachFake(t *testing.T, h *harness, id string, guilds ...string) *fakeTransport {
	t.Helper()
	ft := &fakeTransport{}
	_, err := h.gw.Registry().Attach(helloFor(id, guilds...), ft)
	require.NoError(t, err)
	return ft
}

// recordingHandler is a local worker that remembers the ops it served.
type recordingHandler struct {
	mu  sync.Mutex
	ops []string
	err error
}

func (r *recordingHandler) Handle(_ context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if r.err != nil {
		return nil, r.err
	}
	return data, nil
}

func (r *recordingHandler) served() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func TestListAgentsFiltersByGuild(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")
	attachFake(t, h, "w2", "g2")

	var all []agent.AgentInfo
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/agents", nil, "", &all))
	assert.Len(t, all, 2)

	var g2 []agent.AgentInfo
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/agents?guildId=g2", nil, "", &g2))
	require.Len(t, g2, 1)
	assert.Equal(t, "w2", g2[0].ID)
}

func TestEnsureSession(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")

	req := SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1", TextChannelID: "tc1", OwnerUserID: "u1"}

	var first agent.Lease
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", req, "", &first))
	assert.Equal(t, "w1", first.AgentID)
	assert.Equal(t, "g1:vc1", first.KeyText)
	assert.Equal(t, "tc1", first.Meta.TextChannelID)

	// ensuring again returns the same holder
	var again agent.Lease
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", req, "", &again))
	assert.Equal(t, "w1", again.AgentID)

	var leases []agent.Lease
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/sessions", nil, "", &leases))
	assert.Len(t, leases, 1)
}

func TestEnsureSessionAllocationFailures(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")

	var out errorResponse
	status := h.do(t, http.MethodPost, "/api/sessions", SessionRequest{Kind: "media", GuildID: "g9", VoiceChannelID: "vc1"}, "", &out)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no-agents-in-guild", out.Reason)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1"}, "", nil))

	out = errorResponse{}
	status = h.do(t, http.MethodPost, "/api/sessions", SessionRequest{Kind: "assistant", GuildID: "g1", VoiceChannelID: "vc2"}, "", &out)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no-free-agents", out.Reason)
}

func TestEnsureSessionRejectsBadKeys(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		req  SessionRequest
	}{
		{"unknown kind", SessionRequest{Kind: "video", GuildID: "g1", VoiceChannelID: "vc1"}},
		{"missing guild", SessionRequest{Kind: "media", VoiceChannelID: "vc1"}},
		{"media without voice channel", SessionRequest{Kind: "media", GuildID: "g1"}},
		{"text without text channel", SessionRequest{Kind: "text", GuildID: "g1", VoiceChannelID: "vc1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := h.do(t, http.MethodPost, "/api/sessions", tt.req, "", nil)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestInvalidJSONBody(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Post(h.api.URL+"/api/sessions", "application/json", strings.NewReader(`{"kind":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReleaseSession(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")
	req := SessionRequest{Kind: "text", GuildID: "g1", TextChannelID: "tc1", OwnerUserID: "u1"}

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", req, "", nil))

	var released agent.Lease
	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/sessions", req, "", &released))
	assert.Equal(t, "w1", released.AgentID)
	assert.Equal(t, "t:text:g1:tc1:u1", released.KeyText)

	var out errorResponse
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodDelete, "/api/sessions", req, "", &out))
	assert.Equal(t, "no-session", out.Reason)
}

func TestReleaseSessionByQuery(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions",
		SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1"}, "", nil))

	status := h.do(t, http.MethodDelete, "/api/sessions?kind=media&guildId=g1&voiceChannelId=vc1", nil, "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, h.gw.Registry().Leases())
}

func TestSetHint(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")
	attachFake(t, h, "w2", "g1")

	session := SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1"}
	status := h.do(t, http.MethodPost, "/api/sessions/hint", HintRequest{SessionRequest: session, AgentID: "w2"}, "", nil)
	require.Equal(t, http.StatusNoContent, status)

	var lease agent.Lease
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", session, "", &lease))
	assert.Equal(t, "w2", lease.AgentID)

	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/sessions/hint", HintRequest{SessionRequest: session}, "", nil))
}

func TestRPCValidation(t *testing.T) {
	h := newHarness(t, nil)
	attachFake(t, h, "w1", "g1")

	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/rpc", RPCRequest{AgentID: "w1", Op: "selfDestruct"}, "", nil))
	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/rpc", RPCRequest{Op: protocol.OpPlay}, "", nil))

	var out errorResponse
	status := h.do(t, http.MethodPost, "/api/rpc", RPCRequest{
		SessionRequest: SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1"},
		Op:             protocol.OpPlay,
	}, "", &out)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "no-session", out.Reason)
}

func TestRPCToLocalWorker(t *testing.T) {
	handler := &recordingHandler{}
	h := newHarness(t, nil, WithLocalWorker("local", handler, nil, true))

	var out RPCResponse
	status := h.do(t, http.MethodPost, "/api/rpc", RPCRequest{AgentID: "local", Op: protocol.OpQueue, Data: json.RawMessage(`[1,2]`)}, "", &out)

	require.Equal(t, http.StatusOK, status)
	assert.True(t, out.OK)
	assert.JSONEq(t, `[1,2]`, string(out.Data))
	assert.Equal(t, []string{protocol.OpQueue}, handler.served())
}

func TestOperatorRelease(t *testing.T) {
	handler := &recordingHandler{}
	h := newHarness(t, nil, WithLocalWorker("local", handler, []string{"g1"}, false))
	reg := h.gw.Registry()

	_, err := reg.Ensure(agent.MediaKey("g1", "vc1"), agent.LeaseMeta{})
	require.NoError(t, err)

	var out map[string]any
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/agents/local/release", nil, "", &out))
	assert.Equal(t, "released", out["action"])
	assert.Equal(t, "g1:vc1", out["sessionKey"])
	assert.Equal(t, []string{protocol.OpRelease}, handler.served())
	assert.Empty(t, reg.Leases())

	// releasing an idle agent is fine and sends nothing
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/agents/local/release", nil, "", nil))
	assert.Len(t, handler.served(), 1)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/agents/ghost/release", nil, "", nil))
}

func TestOperatorReleaseSurvivesWorkerFailure(t *testing.T) {
	handler := &recordingHandler{err: errors.New("worker busy")}
	h := newHarness(t, nil, WithLocalWorker("local", handler, []string{"g1"}, false))

	_, err := h.gw.Registry().Ensure(agent.MediaKey("g1", "vc1"), agent.LeaseMeta{})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/agents/local/release", nil, "", nil))
	assert.Empty(t, h.gw.Registry().Leases())
}

func TestHandoff(t *testing.T) {
	h := newHarness(t, nil, WithLocalWorker("local", &recordingHandler{}, []string{"g1"}, false))
	reg := h.gw.Registry()
	key := agent.MediaKey("g1", "vc1")

	_, err := reg.Ensure(key, agent.LeaseMeta{})
	require.NoError(t, err)

	var out errorResponse
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/agents/local/handoff", nil, "", &out))
	assert.Equal(t, "no-idle-agent", out.Reason)

	attachFake(t, h, "w2", "g1")

	var ok map[string]any
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/agents/local/handoff", nil, "", &ok))
	assert.Equal(t, "handoff", ok["action"])
	assert.Equal(t, "local", ok["from"])
	assert.Equal(t, "w2", ok["to"])

	// the hint applies to the next allocation of the same key
	reg.Release(key, "local")
	lease, err := reg.Ensure(key, agent.LeaseMeta{})
	require.NoError(t, err)
	assert.Equal(t, "w2", lease.AgentID)

	out = errorResponse{}
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/agents/local/handoff", nil, "", &out))
	assert.Equal(t, "no-session", out.Reason)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/agents/ghost/handoff", nil, "", nil))
}

func TestDeployPlanEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	require.NoError(t, h.store.CreatePool(ctx, &store.Pool{ID: "p1", OwnerUserID: "owner"}))
	require.NoError(t, h.store.UpsertWorker(ctx, &store.Worker{ID: "w1", PoolID: "p1", ClientID: "c1"}))
	require.NoError(t, h.store.UpsertWorker(ctx, &store.Worker{ID: "w2", PoolID: "p1", ClientID: "c2"}))
	attachFake(t, h, "w1", "g1")

	var plan deploy.Plan
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/deploy-plan?guildId=g1&desired=2&poolId=p1", nil, "", &plan))
	assert.Equal(t, 1, plan.Present)
	assert.Equal(t, 1, plan.Needed)
	assert.Equal(t, "owner", plan.PoolOwnerID)
	require.Len(t, plan.Invites, 1)
	assert.Equal(t, "w2", plan.Invites[0].AgentID)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/deploy-plan?guildId=g1&desired=many", nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/deploy-plan?guildId=g1&desired=50", nil, "", nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/deploy-plan?guildId=g1&desired=2&poolId=nope", nil, "", nil))
}

func TestReconcileEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.UpsertWorker(t.Context(), &store.Worker{ID: "w1"}))
	attachFake(t, h, "stranger", "g1")

	var report reconcile.Report
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/reconcile", nil, "", &report))
	require.Len(t, report.Unknown, 1)
	assert.Equal(t, "stranger", report.Unknown[0].AgentID)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, "w1", report.Missing[0].AgentID)
	assert.Empty(t, report.Inactive)
}

func TestBreakerEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	var out struct {
		Breaker struct {
			State string `json:"state"`
		} `json:"breaker"`
		Pending int `json:"pending"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/breaker", nil, "", &out))
	assert.Equal(t, "closed", out.Breaker.State)
	assert.Zero(t, out.Pending)
}

func TestIdleReleaseOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	require.Equal(t, http.StatusNoContent,
		h.do(t, http.MethodPut, "/api/guilds/g1/idle-release", IdleReleaseRequest{IdleReleaseMs: 120000}, "", nil))
	d, ok, err := h.store.GetIdleReleaseOverride(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPut, "/api/guilds/g1/idle-release", IdleReleaseRequest{IdleReleaseMs: -1}, "", nil))

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/guilds/g1/idle-release", nil, "", nil))
	_, ok, err = h.store.GetIdleReleaseOverride(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIAuth(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.JWTSecret = testJWTSecret })
	attachFake(t, h, "w1", "g1")

	issuer := auth.NewJWTVerifier([]byte(testJWTSecret))
	admin, err := issuer.Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	viewer, err := issuer.Generate("dash", auth.RoleViewer, time.Hour)
	require.NoError(t, err)
	forged, err := auth.NewJWTVerifier([]byte("another-secret-another-secret-xx")).Generate("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	session := SessionRequest{Kind: "media", GuildID: "g1", VoiceChannelID: "vc1"}

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/agents", nil, "", nil))
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/agents", nil, forged, nil))
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/agents", nil, viewer, nil))
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/sessions", session, viewer, nil))
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions", session, admin, nil))

	// health stays open
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil, "", nil))
}

func TestReadiness(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/health/ready", nil, "", nil))

	attachFake(t, h, "w1", "g1")
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/ready", nil, "", nil))
}
