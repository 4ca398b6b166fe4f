package sweeper

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinmap/locsync/pkg/core"
)

type fakeMarkers struct {
	ids map[core.PeerID]bool
}

func newMarkers(ids ...core.PeerID) *fakeMarkers {
	m := &fakeMarkers{ids: map[core.PeerID]bool{}}
	for _, id := range ids {
		m.ids[id] = true
	}
	return m
}

func (m *fakeMarkers) Keys() []core.PeerID {
	var out []core.PeerID
	for id := range m.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *fakeMarkers) Remove(id core.PeerID) bool {
	if !m.ids[id] {
		return false
	}
	delete(m.ids, id)
	return true
}

type fakeDirectory map[core.PeerID]bool

func (d fakeDirectory) IsVisible(id core.PeerID) bool { return d[id] }

type recordingSink struct {
	removed, remaining int
	calls              int
}

func (s *recordingSink) RecordSweep(removed, remaining int, _ time.Time) {
	s.removed, s.remaining = removed, remaining
	s.calls++
}

func TestSweep_RemovesAbsentAndHidden(t *testing.T) {
	markers := newMarkers("a", "b", "c")
	dir := fakeDirectory{"a": true, "b": false}

	removed := Sweep(markers, dir)

	assert.Equal(t, []core.PeerID{"b", "c"}, removed)
	assert.Equal(t, []core.PeerID{"a"}, markers.Keys())
}

func TestSweep_ConvergesInOnePass(t *testing.T) {
	markers := newMarkers("a", "b")
	dir := fakeDirectory{}

	Sweep(markers, dir)
	assert.Empty(t, markers.Keys())
	assert.Empty(t, Sweep(markers, dir), "second pass has nothing left to do")
}

func TestSweep_NothingToDo(t *testing.T) {
	markers := newMarkers("a")
	assert.Empty(t, Sweep(markers, fakeDirectory{"a": true}))
	assert.Equal(t, []core.PeerID{"a"}, markers.Keys())
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.Interval())
}

func TestRun_ReportsToSink(t *testing.T) {
	sink := &recordingSink{}
	s, err := New(Dependencies{Interval: time.Second, Stats: sink})
	require.NoError(t, err)

	markers := newMarkers("a", "b")
	removed := s.Run(context.Background(), markers, fakeDirectory{"a": true}, func() int { return len(markers.ids) })

	assert.Equal(t, []core.PeerID{"b"}, removed)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, 1, sink.removed)
	assert.Equal(t, 1, sink.remaining)
}
