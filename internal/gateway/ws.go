// ABOUTME: Worker control socket: websocket upgrade, hello handshake and the per-connection read loop.
// ABOUTME: One goroutine owns each socket's read side; writes go through a mutex-guarded transport.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

const writeWait = 10 * time.Second

// wsTransport implements agent.Transport over a gorilla connection.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame with code and reason, then drops the socket.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return t.conn.Close()
}

// Terminate drops the socket without a close handshake.
func (t *wsTransport) Terminate() error {
	return t.conn.Close()
}

// handleAgentSocket serves GET /agents.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("agent socket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(g.config.Agents.MaxFrameBytes)
	t := newWSTransport(conn)

	hello, ok := g.awaitHello(r.Context(), conn, t)
	if !ok {
		return
	}

	superseded, err := g.registry.Attach(hello, t)
	if err != nil {
		g.logger.Warn("rejecting agent", "agent_id", hello.AgentID, "error", err)
		_ = t.Close(protocol.ClosePolicyViolation, protocol.ReasonUnauthorized)
		return
	}
	if superseded != nil {
		g.logger.Info("closing superseded connection", "agent_id", hello.AgentID)
		_ = superseded.Close(protocol.ClosePolicyViolation, protocol.ReasonSuperseded)
	}

	conn.SetPongHandler(func(string) error {
		g.registry.RecordPong(hello.AgentID)
		return nil
	})

	if err := t.Send(protocol.NewWelcome(hello.AgentID, g.serverID)); err != nil {
		g.logger.Warn("sending welcome failed", "agent_id", hello.AgentID, "error", err)
	}

	g.readLoop(r.Context(), hello.AgentID, conn, t)

	if released, ok := g.registry.Detach(hello.AgentID, t); ok && released != nil {
		g.logger.Info("released session on disconnect",
			"agent_id", hello.AgentID, "session_key", released.KeyText)
	}
	_ = t.Terminate()
}

// awaitHello reads frames until a valid hello arrives or the hello window
// closes. Anything else received first is ignored.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn, t *wsTransport) (protocol.Hello, bool) {
	if timeout := g.config.Agents.HelloTimeout; timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				g.logger.Info("closing connection without hello", "remote_addr", conn.RemoteAddr().String())
				_ = t.Close(protocol.ClosePolicyViolation, protocol.ReasonHelloRequired)
			} else {
				_ = t.Terminate()
			}
			return protocol.Hello{}, false
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			g.logger.Debug("dropping frame before hello", "error", err)
			continue
		}
		hello, ok := msg.(protocol.Hello)
		if !ok {
			continue
		}

		if reason, errFrame := g.validateHello(ctx, hello); reason != "" {
			if errFrame != nil {
				_ = t.Send(errFrame)
			}
			g.logger.Warn("hello rejected", "agent_id", hello.AgentID, "reason", reason)
			_ = t.Close(protocol.ClosePolicyViolation, reason)
			return protocol.Hello{}, false
		}

		_ = conn.SetReadDeadline(time.Time{})
		return hello, true
	}
}

// validateHello returns a close reason when hello must be refused, and an
// optional frame to send before closing.
func (g *Gateway) validateHello(ctx context.Context, hello protocol.Hello) (string, any) {
	if hello.AgentID == "" {
		return protocol.ReasonHelloRequired, nil
	}
	if !protocol.IsSupported(hello.ProtocolVersion) {
		return protocol.ReasonUpgradeRequired, protocol.NewVersionError(hello.ProtocolVersion)
	}
	if !auth.SharedSecretMatches(g.config.Auth.RunnerSecret, hello.RunnerSecret) {
		return protocol.ReasonUnauthorized, nil
	}
	if g.config.Auth.PerWorkerCredentials {
		hash, err := g.store.GetWorkerCredential(ctx, hello.AgentID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// no credential on file: the shared secret is all we check
		case err != nil:
			g.logger.Error("reading worker credential", "agent_id", hello.AgentID, "error", err)
			return protocol.ReasonUnauthorized, nil
		default:
			if err := auth.CheckCredential(hash, hello.RunnerSecret); err != nil {
				return protocol.ReasonUnauthorized, nil
			}
		}
	}
	return "", nil
}

// readLoop processes frames from one agent in arrival order until the
// socket fails.
func (g *Gateway) readLoop(ctx context.Context, agentID string, conn *websocket.Conn, t *wsTransport) {
	logger := g.logger.With("agent_id", agentID)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("agent socket closed", "error", err)
			}
			return
		}
		g.registry.Touch(agentID)

		msg, err := protocol.Decode(frame)
		if err != nil {
			logger.Debug("dropping frame", "error", err)
			continue
		}
		g.handleFrame(ctx, agentID, msg, t, logger)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, agentID string, msg protocol.Message, t agent.Transport, logger *slog.Logger) {
	switch m := msg.(type) {
	case protocol.Hello:
		g.handleRehello(ctx, agentID, m, t, logger)

	case protocol.Guilds:
		added, removed, err := g.registry.SetGuilds(agentID, m.GuildIDs)
		if err != nil {
			logger.Debug("guild update for unknown agent", "error", err)
			return
		}
		if len(added) > 0 || len(removed) > 0 {
			logger.Info("agent guilds changed", "added", added, "removed", removed)
		}

	case protocol.Event:
		g.handleEvent(agentID, m, logger)

	case protocol.Resp:
		g.dispatcher.HandleResponse(agentID, m)
	}
}

// handleRehello treats a hello on an established connection as a new
// handshake: it is validated again and closes the socket when refused.
// Only the agent's current transport may refresh its metadata.
func (g *Gateway) handleRehello(ctx context.Context, agentID string, hello protocol.Hello, t agent.Transport, logger *slog.Logger) {
	if hello.AgentID != agentID {
		logger.Warn("ignoring hello for a different agent id", "claimed", hello.AgentID)
		return
	}
	if reason, errFrame := g.validateHello(ctx, hello); reason != "" {
		if errFrame != nil {
			_ = t.Send(errFrame)
		}
		logger.Warn("re-hello rejected", "reason", reason)
		_ = t.Close(protocol.ClosePolicyViolation, reason)
		return
	}
	if err := g.registry.Refresh(hello, t); err != nil {
		logger.Debug("ignoring hello from superseded connection", "error", err)
	}
}

func (g *Gateway) handleEvent(agentID string, ev protocol.Event, logger *slog.Logger) {
	key, err := eventKey(ev)
	if err != nil {
		logger.Debug("dropping event", "event", ev.Event, "error", err)
		return
	}

	switch ev.Event {
	case protocol.EventReleased:
		if _, ok := g.registry.Release(key, agentID); ok {
			logger.Info("agent reported release", "session_key", key.String(), "reason", ev.Reason)
		}
	case protocol.EventAdd:
		meta := agent.LeaseMeta{TextChannelID: ev.TextChannelID, OwnerUserID: ev.OwnerUserID}
		if _, err := g.registry.BindReported(agentID, key, meta); err != nil {
			logger.Warn("agent reported bind rejected", "session_key", key.String(), "error", err)
		}
	default:
		logger.Debug("ignoring unknown event", "event", ev.Event)
	}
}

func eventKey(ev protocol.Event) (agent.SessionKey, error) {
	kind, err := agent.ParseKind(ev.Kind)
	if err != nil {
		return agent.SessionKey{}, err
	}
	channel := ev.VoiceChannelID
	if kind == agent.KindText {
		channel = ev.TextChannelID
	}
	key := agent.NewKey(kind, ev.GuildID, channel, ev.TextKind, ev.OwnerUserID)
	if !key.Valid() {
		return agent.SessionKey{}, agent.ErrInvalidKey
	}
	return key, nil
}
