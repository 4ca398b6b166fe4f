// Package uploader writes the local user's location row in the background.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinmap/locsync/internal/queue"
	"github.com/pinmap/locsync/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pinmap/locsync/internal/uploader"

// DefaultInterval is the period between regular flushes.
const DefaultInterval = 5 * time.Second

// finalFlushTimeout bounds the flush performed on shutdown.
const finalFlushTimeout = 2 * time.Second

// LocationWriter persists location rows. storage.Store implements it.
type LocationWriter interface {
	UpsertLocation(ctx context.Context, rec core.LocationRecord) error
}

// Dependencies holds the collaborators of an Uploader.
type Dependencies struct {
	Store    LocationWriter
	Interval time.Duration
	Logger   *slog.Logger
}

// Uploader coalesces location rows per user, keeping only the latest, and
// writes them every Interval or immediately on Flush.
type Uploader struct {
	store    LocationWriter
	interval time.Duration
	log      *slog.Logger
	pending  *queue.Coalescing[core.PeerID, core.LocationRecord]
	wake     chan struct{}

	uploads   metric.Int64Counter
	coalesced metric.Int64Counter
}

// New creates an Uploader.
func New(deps Dependencies) (*Uploader, error) {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := otel.Meter(instrumentationName)
	uploads, err := m.Int64Counter("locsync.uploader.uploads",
		metric.WithDescription("Location rows written, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating uploads counter: %w", err)
	}
	coalesced, err := m.Int64Counter("locsync.uploader.coalesced",
		metric.WithDescription("Pending location rows superseded before upload"))
	if err != nil {
		return nil, fmt.Errorf("creating coalesced counter: %w", err)
	}

	return &Uploader{
		store:     deps.Store,
		interval:  deps.Interval,
		log:       deps.Logger,
		pending:   queue.New[core.PeerID, core.LocationRecord](),
		wake:      make(chan struct{}, 1),
		uploads:   uploads,
		coalesced: coalesced,
	}, nil
}

// Enqueue schedules rec for the next flush, replacing any pending row of
// the same user.
func (u *Uploader) Enqueue(rec core.LocationRecord) {
	if u.pending.Put(rec.UserID, rec) {
		u.coalesced.Add(context.Background(), 1)
	}
}

// Flush enqueues rec and wakes the upload loop without waiting for the
// next tick.
func (u *Uploader) Flush(rec core.LocationRecord) {
	u.Enqueue(rec)
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of rows waiting to be written.
func (u *Uploader) Pending() int {
	return u.pending.Len()
}

// Run writes pending rows until ctx is cancelled, then makes one last
// bounded attempt.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			u.drain(final)
			cancel()
			return nil
		case <-ticker.C:
			u.drain(ctx)
		case <-u.wake:
			u.drain(ctx)
		}
	}
}

// drain writes every pending row. A failed row is put back unless a newer
// one arrived meanwhile; the rest wait for the next round.
func (u *Uploader) drain(ctx context.Context) {
	for {
		id, rec, ok := u.pending.Pop()
		if !ok {
			return
		}
		if err := u.store.UpsertLocation(ctx, rec); err != nil {
			u.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			if _, newer := u.pending.Peek(id); !newer {
				u.pending.Put(id, rec)
			}
			u.log.Warn("Location upload failed, will retry", "visible", rec.Visible, "error", err)
			return
		}
		u.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
		u.log.Debug("Uploaded location", "visible", rec.Visible, "updated_at", rec.UpdatedAt)
	}
}
