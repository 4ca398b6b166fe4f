package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pinmap/locsync/internal/orchestrator"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	markers        metric.Int64ObservableGauge
	snapshots      metric.Int64Counter
	staleUpdates   metric.Int64Counter
	renderFailures metric.Int64Counter
	photoFailures  metric.Int64Counter
	signalsDropped metric.Int64Counter
}

func (o *Orchestrator) initMetrics() error {
	m := meter()

	var err error
	o.metrics.markers, err = m.Int64ObservableGauge(
		"locsync.orchestrator.markers",
		metric.WithDescription("Live peer markers"),
	)
	if err != nil {
		return fmt.Errorf("creating markers gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(o.metrics.markers, o.liveMarkers.Load())
			return nil
		},
		o.metrics.markers,
	)
	if err != nil {
		return fmt.Errorf("registering markers callback: %w", err)
	}

	o.metrics.snapshots, err = m.Int64Counter(
		"locsync.orchestrator.snapshots",
		metric.WithDescription("Snapshot fetches, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("creating snapshots counter: %w", err)
	}
	o.metrics.staleUpdates, err = m.Int64Counter(
		"locsync.orchestrator.stale_updates",
		metric.WithDescription("Peer updates discarded because a newer state was already applied"),
	)
	if err != nil {
		return fmt.Errorf("creating stale updates counter: %w", err)
	}
	o.metrics.renderFailures, err = m.Int64Counter(
		"locsync.orchestrator.render_failures",
		metric.WithDescription("Markers that could not be placed or moved"),
	)
	if err != nil {
		return fmt.Errorf("creating render failures counter: %w", err)
	}
	o.metrics.photoFailures, err = m.Int64Counter(
		"locsync.orchestrator.photo_fallbacks",
		metric.WithDescription("Avatars replaced by the placeholder image"),
	)
	if err != nil {
		return fmt.Errorf("creating photo fallbacks counter: %w", err)
	}
	o.metrics.signalsDropped, err = m.Int64Counter(
		"locsync.orchestrator.signals_dropped",
		metric.WithDescription("UI signals dropped because the consumer fell behind"),
	)
	if err != nil {
		return fmt.Errorf("creating signals dropped counter: %w", err)
	}
	return nil
}
