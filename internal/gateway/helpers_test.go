// ABOUTME: Shared test harness for the gateway: httptest servers, a websocket test agent and fakes.
// ABOUTME: Agents speak the real wire protocol through gorilla's client dialer.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns defaults with timers off and short timeouts.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Agents.HelloTimeout = 300 * time.Millisecond
	cfg.Agents.RPCTimeout = 2 * time.Second
	cfg.Agents.HeartbeatInterval = 0
	cfg.Agents.PruneInterval = 0
	cfg.Agents.ReconcileInterval = 0
	cfg.Sessions.SweepInterval = 0
	return cfg
}

type harness struct {
	gw      *Gateway
	store   *store.MockStore
	control *httptest.Server
	api     *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...Option) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	s := store.NewMockStore()
	gw, err := New(cfg, testLogger(), append([]Option{WithStore(s)}, opts...)...)
	require.NoError(t, err)

	h := &harness{
		gw:      gw,
		store:   s,
		control: httptest.NewServer(gw.controlHandler()),
		api:     httptest.NewServer(gw.apiHandler()),
	}
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		h.control.Close()
		h.api.Close()
	})
	return h
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.control.URL, "http") + "/agents"
}

// do sends a JSON request to the admin API and decodes the reply into out
// when out is non-nil.
func (h *harness) do(t *testing.T, method, path string, body any, token string, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.api.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// testAgent is a worker connected over a real websocket.
type testAgent struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, h *harness) *testAgent {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testAgent{t: t, conn: conn}
}

func helloFor(id string, guilds ...string) protocol.Hello {
	return protocol.Hello{
		AgentID:         id,
		ProtocolVersion: protocol.ProtocolVersion,
		Ready:           true,
		GuildIDs:        guilds,
	}
}

// connect dials, sends hello and waits for the welcome.
func connect(t *testing.T, h *harness, hello protocol.Hello) *testAgent {
	t.Helper()
	a := dial(t, h)
	a.send(hello)
	welcome := a.readWelcome()
	require.Equal(t, hello.AgentID, welcome.AgentID)
	return a
}

func (a *testAgent) send(m protocol.Message) {
	a.t.Helper()
	frame, err := protocol.Encode(m)
	require.NoError(a.t, err)
	require.NoError(a.t, a.conn.WriteMessage(websocket.TextMessage, frame))
}

func (a *testAgent) read() ([]byte, error) {
	_ = a.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := a.conn.ReadMessage()
	return frame, err
}

func (a *testAgent) readWelcome() protocol.Welcome {
	a.t.Helper()
	frame, err := a.read()
	require.NoError(a.t, err)
	var w protocol.Welcome
	require.NoError(a.t, json.Unmarshal(frame, &w))
	require.Equal(a.t, protocol.TypeWelcome, w.Type)
	return w
}

// readClose reads until the server closes and returns the close error.
func (a *testAgent) readClose() *websocket.CloseError {
	a.t.Helper()
	for {
		_, err := a.read()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(a.t, ok, "expected close frame, got %v", err)
		return ce
	}
}

// serve answers every req with reply until the socket closes. It owns the
// write side from then on.
func (a *testAgent) serve(reply func(protocol.Req) *protocol.Resp) *reqLog {
	log := &reqLog{}
	go func() {
		for {
			_, frame, err := a.conn.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Req
			if json.Unmarshal(frame, &req) != nil || req.Type != protocol.TypeReq {
				continue
			}
			log.add(req)
			resp := reply(req)
			if resp == nil {
				continue
			}
			out, _ := protocol.Encode(*resp)
			_ = a.conn.WriteMessage(websocket.TextMessage, out)
		}
	}()
	return log
}

func echo(req protocol.Req) *protocol.Resp {
	return &protocol.Resp{ID: req.ID, OK: true, Data: req.Data}
}

type reqLog struct {
	mu   sync.Mutex
	reqs []protocol.Req
}

func (l *reqLog) add(r protocol.Req) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *reqLog) ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.reqs))
	for _, r := range l.reqs {
		out = append(out, r.Op)
	}
	return out
}

// fakeTransport stands in for a socket in tests that skip the handshake.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []any
	pings      int
	terminated bool
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close(int, string) error {
	return f.Terminate()
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

func (f *fakeTransport) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}
