// ABOUTME: Shared fakes for agent package tests: a recording transport and a settable clock.
// ABOUTME: Keeps the registry tests free of real sockets and wall-clock sleeps.

package agent

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

type fakeTransport struct {
	mu         sync.Mutex
	sent       []any
	pings      int
	closed     bool
	terminated bool
	sendErr    error
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(logger, WithClock(clock.Now)), clock
}

func attach(t *testing.T, r *Registry, id string, guilds ...string) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	_, err := r.Attach(protocol.Hello{
		AgentID:         id,
		ProtocolVersion: protocol.ProtocolVersion,
		Ready:           true,
		GuildIDs:        guilds,
	}, tr)
	if err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return tr
}

func helloFor(id string, ready bool, guilds ...string) protocol.Hello {
	return protocol.Hello{
		AgentID:         id,
		ProtocolVersion: protocol.ProtocolVersion,
		Ready:           ready,
		GuildIDs:        guilds,
	}
}
