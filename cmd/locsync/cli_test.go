package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinmap/locsync/internal/auth"
	"github.com/pinmap/locsync/internal/feed"
	"github.com/pinmap/locsync/internal/orchestrator"
	"github.com/pinmap/locsync/internal/render"
	"github.com/pinmap/locsync/internal/storage/memory"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestConsole(t *testing.T) (*console, *bytes.Buffer, *memory.Store) {
	t.Helper()
	mem := memory.New()
	sim := newSimulation(mem, "me")
	sim.now = func() time.Time { return testNow }
	ctx, cancel := context.WithCancel(context.Background())
	sim.seed(ctx)

	surface := render.NewHeadless(nil)
	o, err := orchestrator.New(orchestrator.Dependencies{
		Source: feed.New(feed.Dependencies{
			Store:      mem,
			Session:    auth.StaticSession("me"),
			Subscriber: sim,
		}),
		Renderer:        surface,
		RefreshInterval: time.Hour,
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	out := &bytes.Buffer{}
	return &console{o: o, surface: surface, out: out, now: func() time.Time { return testNow }}, out, mem
}

func TestParseFix(t *testing.T) {
	fix, err := parseFix([]string{"48.2", "16.4", "12"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, core.LocationFix{
		Position: core.Position{Latitude: 48.2, Longitude: 16.4},
		Accuracy: 12,
		At:       testNow,
	}, fix)

	_, err = parseFix([]string{"48.2"}, testNow)
	assert.Error(t, err)
	_, err = parseFix([]string{"north", "16.4"}, testNow)
	assert.Error(t, err)
}

func TestConsole_Commands(t *testing.T) {
	c, out, mem := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.execute(ctx, "peers"))
	assert.Contains(t, out.String(), "Ana")
	assert.Contains(t, out.String(), "Dee")

	out.Reset()
	require.NoError(t, c.execute(ctx, "markers"))
	assert.Equal(t, 3, strings.Count(out.String(), "\n"), "the ghosted friend has no marker")

	require.NoError(t, c.execute(ctx, "fix 48.2 16.4"))
	require.NoError(t, c.execute(ctx, "ghost on"))

	out.Reset()
	require.NoError(t, c.execute(ctx, "status"))
	assert.Contains(t, out.String(), "viewer=me ghost=true")

	// Ghost mode is uploaded right away.
	require.Eventually(t, func() bool {
		rec, ok := mem.LocationOf("me")
		return ok && !rec.Visible
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, c.execute(ctx, "ghost maybe"))
	assert.Error(t, c.execute(ctx, "fix 100 0"))
	assert.ErrorContains(t, c.execute(ctx, "fly"), "unknown command")
	assert.ErrorIs(t, c.execute(ctx, "quit"), errQuit)
	assert.NoError(t, c.execute(ctx, "   "))
}

func TestConsole_TapEmitsSignals(t *testing.T) {
	c, _, _ := newTestConsole(t)
	require.NoError(t, c.execute(context.Background(), "tap ana"))

	var kinds []core.SignalKind
	for len(kinds) < 2 {
		select {
		case s := <-c.o.Signals():
			if s.PeerID == "ana" {
				kinds = append(kinds, s.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tap signals")
		}
	}
	assert.Equal(t, []core.SignalKind{core.SignalMarkerTapped, core.SignalFocus}, kinds)
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	c, out, _ := newTestConsole(t)
	c.in = strings.NewReader("help\nquit\n")

	require.NoError(t, c.Run(context.Background()))
	assert.Contains(t, out.String(), "commands:")
}

func TestSimulation_StepWritesStoreAndChange(t *testing.T) {
	mem := memory.New()
	sim := newSimulation(mem, "me")
	sim.now = func() time.Time { return testNow }
	sim.seed(context.Background())

	c, ok := sim.step(context.Background())
	require.True(t, ok)
	assert.Equal(t, streaming.TableLocations, c.Table)
	assert.Equal(t, streaming.EventUpdate, c.Event)

	id, _ := c.Record["user_id"].(string)
	rec, found := mem.LocationOf(core.PeerID(id))
	require.True(t, found)
	assert.Equal(t, rec.Visible, c.Record["is_visible"])
	assert.Equal(t, "2026-05-04T10:00:00Z", c.Record["updated_at"])
	if rec.Visible {
		assert.Equal(t, rec.Position.Latitude, c.Record["latitude"])
	} else {
		assert.NotContains(t, c.Record, "latitude")
	}
}

func TestSimulation_HiddenFriendKeepsPositionOffRecord(t *testing.T) {
	mem := memory.New()
	sim := newSimulation(mem, "me")
	sim.now = func() time.Time { return testNow }
	sim.seed(context.Background())

	dee := demoFriends[len(demoFriends)-1]
	rec, ok := mem.LocationOf(dee.profile.ID)
	require.True(t, ok)
	assert.False(t, rec.Visible)
	assert.Equal(t, core.Position{}, rec.Position, "the store keeps no coordinates for a ghosted friend")
	assert.Equal(t, dee.start, sim.positions[dee.profile.ID])
}

func TestHTTPToWS(t *testing.T) {
	assert.Equal(t, "ws://localhost:8099", httpToWS("http://localhost:8099/"))
	assert.Equal(t, "wss://api.example.com", httpToWS("https://api.example.com"))
}
