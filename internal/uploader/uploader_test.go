package uploader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pinmap/locsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	rows    []core.LocationRecord
	failN   int
	written chan struct{}
}

func newWriter() *recordingWriter {
	return &recordingWriter{written: make(chan struct{}, 16)}
}

func (w *recordingWriter) UpsertLocation(ctx context.Context, rec core.LocationRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return errors.New("offline")
	}
	w.rows = append(w.rows, rec)
	select {
	case w.written <- struct{}{}:
	default:
	}
	return nil
}

func (w *recordingWriter) snapshot() []core.LocationRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.LocationRecord(nil), w.rows...)
}

func rec(lat float64, visible bool) core.LocationRecord {
	return core.LocationRecord{UserID: "me", Position: core.Position{Latitude: lat}, Visible: visible}
}

func TestEnqueue_LatestWins(t *testing.T) {
	w := newWriter()
	u, err := New(Dependencies{Store: w, Interval: time.Hour})
	require.NoError(t, err)

	u.Enqueue(rec(1, true))
	u.Enqueue(rec(2, true))
	u.Enqueue(rec(3, true))
	assert.Equal(t, 1, u.Pending())

	u.drain(context.Background())
	rows := w.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 3.0, rows[0].Position.Latitude)
	assert.Equal(t, 0, u.Pending())
}

func TestFlush_WritesImmediately(t *testing.T) {
	w := newWriter()
	u, err := New(Dependencies{Store: w, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	u.Flush(rec(1, false))
	select {
	case <-w.written:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not upload")
	}
	cancel()
	require.NoError(t, <-done)

	rows := w.snapshot()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Visible)
}

func TestRun_TickerUploads(t *testing.T) {
	w := newWriter()
	u, err := New(Dependencies{Store: w, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = u.Run(ctx) }()

	u.Enqueue(rec(4, true))
	select {
	case <-w.written:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not upload")
	}
}

func TestDrain_FailureRequeues(t *testing.T) {
	w := newWriter()
	w.failN = 1
	u, err := New(Dependencies{Store: w, Interval: time.Hour})
	require.NoError(t, err)

	u.Enqueue(rec(1, true))
	u.drain(context.Background())
	assert.Empty(t, w.snapshot())
	assert.Equal(t, 1, u.Pending())

	u.drain(context.Background())
	assert.Len(t, w.snapshot(), 1)
	assert.Equal(t, 0, u.Pending())
}

func TestRun_FinalFlushOnCancel(t *testing.T) {
	w := newWriter()
	u, err := New(Dependencies{Store: w, Interval: time.Hour})
	require.NoError(t, err)

	u.Enqueue(rec(9, true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, u.Run(ctx))

	rows := w.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 9.0, rows[0].Position.Latitude)
}
