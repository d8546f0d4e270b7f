// ABOUTME: Admin HTTP API handlers: agents, sessions, hints, RPC dispatch, deploy plans and settings.
// ABOUTME: Maps allocation failures to 409 with a reason and transport failures to 502/503/504.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/deploy"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/rpc"
	"github.com/2389/fleet-gateway/internal/store"
)

// handoffHintTTL is how long a manual handoff preference lasts.
const handoffHintTTL = 5 * time.Minute

const maxRequestBody = 1 << 20

// SessionRequest names a session in request bodies and query strings.
type SessionRequest struct {
	Kind           string `json:"kind"`
	GuildID        string `json:"guildId"`
	VoiceChannelID string `json:"voiceChannelId,omitempty"`
	TextChannelID  string `json:"textChannelId,omitempty"`
	TextKind       string `json:"textKind,omitempty"`
	OwnerUserID    string `json:"ownerUserId,omitempty"`
}

// HintRequest is the body of POST /api/sessions/hint.
type HintRequest struct {
	SessionRequest
	AgentID string `json:"agentId"`
	TTLMs   int64  `json:"ttlMs,omitempty"`
}

// RPCRequest is the body of POST /api/rpc. Either AgentID or a session
// naming the target must be given.
type RPCRequest struct {
	SessionRequest
	AgentID string          `json:"agentId,omitempty"`
	Op      string          `json:"op"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCResponse mirrors a worker resp frame.
type RPCResponse struct {
	OK      bool            `json:"ok"`
	AgentID string          `json:"agentId"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IdleReleaseRequest is the body of PUT /api/guilds/{id}/idle-release.
// Zero disables idle eviction for the tenant.
type IdleReleaseRequest struct {
	IdleReleaseMs int64 `json:"idleReleaseMs"`
}

// errorResponse is the JSON error body. Reason carries the machine reason
// for allocation failures.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("POST /api/agents/{id}/release", g.handleReleaseAgent)
	mux.HandleFunc("POST /api/agents/{id}/handoff", g.handleHandoffAgent)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("POST /api/sessions", g.handleEnsureSession)
	mux.HandleFunc("DELETE /api/sessions", g.handleReleaseSession)
	mux.HandleFunc("POST /api/sessions/hint", g.handleSetHint)
	mux.HandleFunc("POST /api/rpc", g.handleRPC)
	mux.HandleFunc("GET /api/deploy-plan", g.handleDeployPlan)
	mux.HandleFunc("GET /api/reconcile", g.handleReconcile)
	mux.HandleFunc("GET /api/breaker", g.handleBreaker)
	mux.HandleFunc("PUT /api/guilds/{id}/idle-release", g.handleSetIdleRelease)
	mux.HandleFunc("DELETE /api/guilds/{id}/idle-release", g.handleClearIdleRelease)
}

// handleListAgents handles GET /api/agents, optionally filtered by ?guildId=.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guildId")

	agents := g.registry.List()
	out := make([]agent.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if guildID != "" && !a.AllGuilds && !slices.Contains(a.Guilds, guildID) {
			continue
		}
		out = append(out, a)
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleReleaseAgent asks the agent to drop its session and releases it
// locally whatever the agent answers.
func (g *Gateway) handleReleaseAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := g.registry.Get(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent-not-found", "")
		return
	}

	resp := map[string]any{"ok": true, "action": "released", "agentId": id}
	if info.Lease == nil {
		g.writeJSON(w, http.StatusOK, resp)
		return
	}

	lease := *info.Lease
	payload, _ := json.Marshal(protocol.ReleasePayload{
		GuildID:        lease.Key.GuildID,
		VoiceChannelID: voiceChannelOf(lease.Key),
		TextChannelID:  textChannelOf(lease),
		Kind:           string(lease.Key.Kind),
		Reason:         "operator",
	})
	if _, err := g.dispatcher.Call(r.Context(), id, protocol.OpRelease, payload); err != nil {
		g.logger.Warn("operator release: worker did not confirm",
			"agent_id", id, "session_key", lease.KeyText, "error", err)
	}
	g.registry.Release(lease.Key, id)

	g.logger.Info("operator released session",
		"agent_id", id, "session_key", lease.KeyText, "by", auth.Subject(r.Context()))
	resp["sessionKey"] = lease.KeyText
	g.writeJSON(w, http.StatusOK, resp)
}

// handleHandoffAgent points the agent's current session at the next idle
// agent of the same tenant for the next allocation.
func (g *Gateway) handleHandoffAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := g.registry.Get(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent-not-found", "")
		return
	}
	if info.Lease == nil {
		g.sendJSONError(w, http.StatusConflict, "agent holds no session", agent.ErrNoSession.Error())
		return
	}

	key := info.Lease.Key
	next, err := g.registry.NextIdle(key.GuildID)
	if err != nil {
		g.sendJSONError(w, http.StatusConflict, "no idle agent in guild", "no-idle-agent")
		return
	}
	g.registry.SetHint(key, next, handoffHintTTL)

	g.logger.Info("handoff scheduled", "from", id, "to", next, "session_key", key.String())
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": "handoff", "from": id, "to": next})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.Leases())
}

// handleEnsureSession allocates a worker for the session or returns the
// current holder.
func (g *Gateway) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	key, err := req.key()
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	lease, err := g.registry.Ensure(key, agent.LeaseMeta{TextChannelID: req.TextChannelID, OwnerUserID: req.OwnerUserID})
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, lease)
}

// handleReleaseSession handles DELETE /api/sessions. The session is named
// in the body or the query string.
func (g *Gateway) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if r.ContentLength > 0 {
		if !g.decodeBody(w, r, &req) {
			return
		}
	} else {
		q := r.URL.Query()
		req = SessionRequest{
			Kind:           q.Get("kind"),
			GuildID:        q.Get("guildId"),
			VoiceChannelID: q.Get("voiceChannelId"),
			TextChannelID:  q.Get("textChannelId"),
			TextKind:       q.Get("textKind"),
			OwnerUserID:    q.Get("ownerUserId"),
		}
	}
	key, err := req.key()
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	lease, ok := g.registry.Release(key, "")
	if !ok {
		g.sendJSONError(w, http.StatusConflict, "no session for key", agent.ErrNoSession.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, lease)
}

// handleSetHint handles POST /api/sessions/hint.
func (g *Gateway) handleSetHint(w http.ResponseWriter, r *http.Request) {
	var req HintRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	key, err := req.key()
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agentId is required", "")
		return
	}

	ttl := g.config.Sessions.HintTTL
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	g.registry.SetHint(key, req.AgentID, ttl)
	w.WriteHeader(http.StatusNoContent)
}

// handleRPC dispatches one op and waits for the worker's answer.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if !protocol.IsKnownOp(req.Op) {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown op %q", req.Op), "")
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		key, err := req.key()
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "agentId or a session is required", "")
			return
		}
		lease, err := g.registry.Lookup(key)
		if err != nil {
			g.sendDispatchError(w, err)
			return
		}
		agentID = lease.AgentID
	}

	data, err := g.dispatcher.Call(r.Context(), agentID, req.Op, req.Data)
	var remote *rpc.RemoteError
	switch {
	case errors.As(err, &remote):
		g.writeJSON(w, http.StatusOK, RPCResponse{OK: false, AgentID: agentID, Error: remote.Message})
	case err != nil:
		g.sendDispatchError(w, err)
	default:
		g.writeJSON(w, http.StatusOK, RPCResponse{OK: true, AgentID: agentID, Data: data})
	}
}

// handleDeployPlan handles GET /api/deploy-plan?guildId=&desired=&poolId=.
func (g *Gateway) handleDeployPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	desired, err := strconv.Atoi(q.Get("desired"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "desired must be an integer", "")
		return
	}

	plan, err := g.planner.Plan(r.Context(), q.Get("guildId"), desired, q.Get("poolId"))
	switch {
	case errors.Is(err, deploy.ErrLimitExceeded), errors.Is(err, deploy.ErrInvalidRequest):
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "pool not found", "")
	case err != nil:
		g.logger.Error("building deploy plan", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
	default:
		g.writeJSON(w, http.StatusOK, plan)
	}
}

// handleReconcile runs one reconciliation pass on demand.
func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := g.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		g.logger.Error("on-demand reconciliation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}

// handleBreaker reports the fleet breaker and in-flight call count.
func (g *Gateway) handleBreaker(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"breaker": g.dispatcher.BreakerStatus(),
		"pending": g.dispatcher.Pending(),
	})
}

func (g *Gateway) handleSetIdleRelease(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")
	var req IdleReleaseRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.IdleReleaseMs < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "idleReleaseMs must not be negative", "")
		return
	}

	d := time.Duration(req.IdleReleaseMs) * time.Millisecond
	if err := g.store.SetIdleReleaseOverride(r.Context(), guildID, d); err != nil {
		g.logger.Error("saving idle override", "guild_id", guildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	g.reaper.InvalidateTenant(guildID)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleClearIdleRelease(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")
	if err := g.store.ClearIdleReleaseOverride(r.Context(), guildID); err != nil {
		g.logger.Error("clearing idle override", "guild_id", guildID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
		return
	}
	g.reaper.InvalidateTenant(guildID)
	w.WriteHeader(http.StatusNoContent)
}

func (req SessionRequest) key() (agent.SessionKey, error) {
	kind, err := agent.ParseKind(req.Kind)
	if err != nil {
		return agent.SessionKey{}, err
	}
	channel := req.VoiceChannelID
	if kind == agent.KindText {
		channel = req.TextChannelID
	}
	key := agent.NewKey(kind, req.GuildID, channel, req.TextKind, req.OwnerUserID)
	if !key.Valid() {
		return agent.SessionKey{}, agent.ErrInvalidKey
	}
	return key, nil
}

func voiceChannelOf(k agent.SessionKey) string {
	if k.Kind.Voice() {
		return k.ChannelID
	}
	return ""
}

func textChannelOf(l agent.Lease) string {
	if l.Key.Kind == agent.KindText {
		return l.Key.ChannelID
	}
	return l.Meta.TextChannelID
}

// sendDispatchError maps leasing and transport errors onto status codes.
func (g *Gateway) sendDispatchError(w http.ResponseWriter, err error) {
	if reason := agent.Reason(err); reason != "" {
		g.sendJSONError(w, http.StatusConflict, err.Error(), reason)
		return
	}
	switch {
	case errors.Is(err, rpc.ErrCircuitOpen):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error(), rpc.ErrCircuitOpen.Error())
	case errors.Is(err, rpc.ErrAgentOffline):
		g.sendJSONError(w, http.StatusBadGateway, err.Error(), rpc.ErrAgentOffline.Error())
	case errors.Is(err, rpc.ErrAgentTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error(), rpc.ErrAgentTimeout.Error())
	case errors.Is(err, agent.ErrInvalidKey):
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), "")
	default:
		g.logger.Error("dispatch failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
	}
}

// decodeBody reads a JSON body into v, answering 400 itself on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", "")
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, reason string) {
	g.writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}
