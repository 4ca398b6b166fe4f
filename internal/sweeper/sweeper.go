// Package sweeper garbage-collects map markers whose peer should no longer
// be shown. It is the backstop for removal events the feed never delivered.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pinmap/locsync/pkg/core"
)

const instrumentationName = "github.com/pinmap/locsync/internal/sweeper"

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 15 * time.Second

// Markers is the marker cache being swept.
type Markers interface {
	Keys() []core.PeerID
	Remove(id core.PeerID) bool
}

// Directory answers whether a peer should currently be shown.
type Directory interface {
	IsVisible(id core.PeerID) bool
}

// StatsSink receives a summary of each pass.
type StatsSink interface {
	RecordSweep(removed, remaining int, at time.Time)
}

// Sweep removes every marker whose peer is unknown to dir or not visible,
// and returns the removed ids in key order.
func Sweep(markers Markers, dir Directory) []core.PeerID {
	var removed []core.PeerID
	for _, id := range markers.Keys() {
		if dir.IsVisible(id) {
			continue
		}
		if markers.Remove(id) {
			removed = append(removed, id)
		}
	}
	return removed
}

// Dependencies holds the collaborators of a Sweeper.
type Dependencies struct {
	Interval time.Duration
	Logger   *slog.Logger
	Stats    StatsSink // optional
}

// Sweeper runs Sweep passes and records what they removed.
type Sweeper struct {
	interval time.Duration
	logger   *slog.Logger
	stats    StatsSink

	removedCounter metric.Int64Counter
	passes         metric.Int64Counter
}

// New creates a Sweeper. Metrics use the global OTel meter.
func New(deps Dependencies) (*Sweeper, error) {
	s := &Sweeper{
		interval: deps.Interval,
		logger:   deps.Logger,
		stats:    deps.Stats,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	m := otel.Meter(instrumentationName)

	var err error
	s.removedCounter, err = m.Int64Counter(
		"locsync.sweeper.removed",
		metric.WithDescription("Markers removed by the stale annotation sweeper"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating removed counter: %w", err)
	}
	s.passes, err = m.Int64Counter(
		"locsync.sweeper.passes",
		metric.WithDescription("Sweeper passes run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating passes counter: %w", err)
	}

	return s, nil
}

// Interval returns the configured sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run performs one pass. It must be called from the goroutine that owns
// markers and dir.
func (s *Sweeper) Run(ctx context.Context, markers Markers, dir Directory, remaining func() int) []core.PeerID {
	removed := Sweep(markers, dir)

	s.passes.Add(ctx, 1)
	if len(removed) > 0 {
		s.removedCounter.Add(ctx, int64(len(removed)))
		s.logger.Info("Swept stale markers", "count", len(removed), "peers", removed)
	}
	if s.stats != nil {
		left := 0
		if remaining != nil {
			left = remaining()
		}
		s.stats.RecordSweep(len(removed), left, time.Now())
	}
	return removed
}
