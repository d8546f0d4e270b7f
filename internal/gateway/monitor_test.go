// ABOUTME: Tests for the heartbeat and prune passes of the agent monitor.
// ABOUTME: Drives both passes directly with a controlled clock.

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/agent"
)

func TestPruneTerminatesStaleAgents(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := agent.NewRegistry(testLogger(), agent.WithClock(clock))

	stale := &fakeTransport{}
	_, err := reg.Attach(helloFor("old", "g1"), stale)
	require.NoError(t, err)
	_, err = reg.Ensure(agent.MediaKey("g1", "vc1"), agent.LeaseMeta{})
	require.NoError(t, err)

	now = now.Add(90 * time.Second)
	fresh := &fakeTransport{}
	_, err = reg.Attach(helloFor("new", "g1"), fresh)
	require.NoError(t, err)
	reg.AttachLocal("local", &recordingHandler{}, nil, true)

	m := newMonitor(reg, 0, time.Second, time.Minute, testLogger())
	m.now = clock

	assert.Equal(t, 1, m.pruneOnce())
	assert.True(t, stale.wasTerminated())
	assert.False(t, fresh.wasTerminated())

	_, ok := reg.Get("old")
	assert.False(t, ok)
	_, ok = reg.Get("local")
	assert.True(t, ok, "local worker is never pruned")
	_, err = reg.Lookup(agent.MediaKey("g1", "vc1"))
	assert.ErrorIs(t, err, agent.ErrNoSession)
}

func TestPruneDisabledWithoutStaleWindow(t *testing.T) {
	reg := agent.NewRegistry(testLogger())
	ft := &fakeTransport{}
	_, err := reg.Attach(helloFor("w1"), ft)
	require.NoError(t, err)

	m := newMonitor(reg, 0, time.Second, 0, testLogger())
	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	assert.Zero(t, m.pruneOnce())
	assert.False(t, ft.wasTerminated())
}

func TestHeartbeatPingsReadyAgents(t *testing.T) {
	reg := agent.NewRegistry(testLogger())

	ready := &fakeTransport{}
	_, err := reg.Attach(helloFor("ready", "g1"), ready)
	require.NoError(t, err)

	notReady := &fakeTransport{}
	hello := helloFor("busy", "g1")
	hello.Ready = false
	_, err = reg.Attach(hello, notReady)
	require.NoError(t, err)

	m := newMonitor(reg, time.Second, 0, time.Minute, testLogger())
	m.heartbeatOnce()

	ready.mu.Lock()
	assert.Equal(t, 1, ready.pings)
	ready.mu.Unlock()
	notReady.mu.Lock()
	assert.Zero(t, notReady.pings)
	notReady.mu.Unlock()
}

func TestMonitorRunReturnsWhenDisabled(t *testing.T) {
	m := newMonitor(agent.NewRegistry(testLogger()), 0, 0, time.Minute, testLogger())

	done := make(chan struct{})
	go func() {
		m.run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run should return immediately when both timers are off")
	}
}
