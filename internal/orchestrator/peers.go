package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pinmap/locsync/internal/cache"
	"github.com/pinmap/locsync/internal/logging"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/pkg/core"
)

// Refresh asks for a snapshot fetch ahead of the next refresh tick.
func (o *Orchestrator) Refresh() {
	select {
	case o.refreshWake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.refreshWake:
		}
		o.refresh(ctx)
	}
}

// refresh fetches a snapshot off the loop and hands it back.
func (o *Orchestrator) refresh(ctx context.Context) {
	var since uint64
	if err := o.do(ctx, func() { since = o.dir.Seq() }); err != nil {
		return
	}
	start := time.Now()
	peers, err := o.source.FetchSnapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	took := time.Since(start)
	o.post(ctx, func() { o.applySnapshot(ctx, peers, since, err, took) })
}

// refreshNow fetches and applies a snapshot on the calling goroutine, which
// must be the owner.
func (o *Orchestrator) refreshNow(ctx context.Context) {
	since := o.dir.Seq()
	start := time.Now()
	peers, err := o.source.FetchSnapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	o.applySnapshot(ctx, peers, since, err, time.Since(start))
}

// applySnapshot reconciles the directory and markers with a full snapshot.
// Entries written by push events after since survive even when absent.
func (o *Orchestrator) applySnapshot(ctx context.Context, peers []core.PeerState, since uint64, fetchErr error, took time.Duration) {
	if fetchErr != nil {
		o.metrics.snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		var tf *storage.TransientFetchError
		if errors.As(fetchErr, &tf) {
			o.log.Warn("Snapshot fetch failed, retrying next tick", "op", tf.Op, "error", tf.Err)
		} else {
			o.log.Warn("Snapshot fetch failed, retrying next tick", "error", fetchErr)
		}
		if kind, ok := o.health.SnapshotFailed(); ok {
			o.emit(core.Signal{Kind: kind})
		}
		o.recordRefresh(0, took, false)
		return
	}
	o.metrics.snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	if kind, ok := o.health.SnapshotSucceeded(); ok {
		o.emit(core.Signal{Kind: kind})
	}

	self := o.viewer.ID()
	present := make(map[core.PeerID]struct{}, len(peers))
	for _, p := range peers {
		if p.ID == self {
			continue
		}
		present[p.ID] = struct{}{}
		if !o.dir.Upsert(p) {
			o.metrics.staleUpdates.Add(ctx, 1)
			o.log.Debug("Snapshot row older than applied state", "peer", p.ID, "updated_at", p.UpdatedAt)
		}
		st, _ := o.dir.Get(p.ID)
		o.reconcile(st)
	}
	for _, id := range o.dir.RemoveMissing(present, since) {
		if o.peers.Remove(id) {
			o.log.Debug("Removed marker of peer missing from snapshot", "peer", id)
		}
		delete(o.pendingPhotos, id)
	}
	o.syncMarkerGauge()
	o.recordRefresh(len(peers), took, true)
	o.log.Debug("Applied snapshot", "peers", len(peers), "markers", o.peers.Len(), "took", took)
}

func (o *Orchestrator) recordRefresh(peers int, took time.Duration, ok bool) {
	if o.stats == nil {
		return
	}
	o.stats.RecordRefresh(peers, len(o.dir.AllVisible()), o.peers.Len(), took, ok, time.Now())
}

func (o *Orchestrator) applyUpdate(u core.PeerUpdate) {
	if u.ID == o.viewer.ID() {
		return
	}
	_, known := o.dir.Get(u.ID)
	st, ok := o.dir.Apply(u)
	if !ok {
		o.metrics.staleUpdates.Add(context.Background(), 1)
		o.log.Debug("Discarded stale update", "peer", u.ID, "updated_at", u.UpdatedAt, "applied", st.UpdatedAt)
		return
	}
	o.reconcile(st)
	o.syncMarkerGauge()
	if !known {
		o.requestProfile(u.ID)
	}
}

func (o *Orchestrator) applyVisibilityLost(id core.PeerID, at time.Time) {
	if _, known := o.dir.Get(id); known && !o.dir.MarkHidden(id, at) {
		o.metrics.staleUpdates.Add(context.Background(), 1)
		o.log.Debug("Discarded stale delete", "peer", id, "updated_at", at)
		return
	}
	if o.peers.Remove(id) {
		o.log.Debug("Peer went hidden", "peer", id)
	}
	delete(o.pendingPhotos, id)
	o.syncMarkerGauge()
}

func (o *Orchestrator) applyStatus(connected bool) {
	if kind, ok := o.health.SubscriptionStatus(connected); ok {
		o.emit(core.Signal{Kind: kind})
	}
	if connected {
		// Catch up on whatever the feed missed while it was down.
		o.Refresh()
		o.log.Info("Change feed connected")
		return
	}
	o.log.Warn("Change feed disconnected, relying on snapshots")
}

func (o *Orchestrator) applyProfile(p core.Profile) {
	delete(o.pendingProfiles, p.ID)
	before, known := o.dir.Get(p.ID)
	if !known || !o.dir.SetProfile(p) {
		return
	}
	after, _ := o.dir.Get(p.ID)
	if after.PhotoRef != before.PhotoRef && o.peers.Has(p.ID) {
		o.requestPhoto(after)
	}
}

// reconcile makes the marker of st match its visibility and position.
// Failures are logged and contained to this peer.
func (o *Orchestrator) reconcile(st core.PeerState) {
	if !st.Visible {
		if o.peers.Remove(st.ID) {
			o.log.Debug("Removed marker of hidden peer", "peer", st.ID)
		}
		delete(o.pendingPhotos, st.ID)
		return
	}
	had := o.peers.Has(st.ID)
	if err := o.peers.RenderOrUpdate(st); err != nil {
		reason := "renderer"
		if errors.Is(err, cache.ErrNoPosition) {
			reason = "no_position"
		}
		o.metrics.renderFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
		o.log.Warn("Marker render failed", "peer", st.ID, "error", err)
		return
	}
	if !had {
		o.requestPhoto(st)
	}
}

// requestProfile looks up display metadata for a peer first seen through
// a push event.
func (o *Orchestrator) requestProfile(id core.PeerID) {
	if _, busy := o.pendingProfiles[id]; busy {
		return
	}
	o.pendingProfiles[id] = struct{}{}
	o.spawn(func(ctx context.Context) {
		p, err := o.source.FetchProfile(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Debug("Profile lookup failed", "peer", id, "error", err)
			}
			o.post(ctx, func() { delete(o.pendingProfiles, id) })
			return
		}
		o.post(ctx, func() { o.applyProfile(p) })
	})
}

// requestPhoto loads the avatar of st in the background. The result is
// applied only if the marker still exists and the photo is still current.
func (o *Orchestrator) requestPhoto(st core.PeerState) {
	if o.photos == nil {
		return
	}
	if st.PhotoRef == "" {
		delete(o.pendingPhotos, st.ID)
		if _, err := o.peers.SetAvatar(st.ID, o.photos.Placeholder()); err != nil {
			o.log.Warn("Failed to apply placeholder avatar", "peer", st.ID, "error", err)
		}
		return
	}
	if ref, busy := o.pendingPhotos[st.ID]; busy && ref == st.PhotoRef {
		return
	}
	id, ref := st.ID, st.PhotoRef
	o.pendingPhotos[id] = ref
	o.spawn(func(ctx context.Context) {
		img, fallback := o.photos.FetchOrPlaceholder(logging.WithPeer(ctx, string(id)), ref)
		o.post(ctx, func() { o.applyAvatar(id, ref, img, fallback) })
	})
}

func (o *Orchestrator) applyAvatar(id core.PeerID, ref string, img []byte, fallback bool) {
	if cur, ok := o.pendingPhotos[id]; !ok || cur != ref {
		return
	}
	delete(o.pendingPhotos, id)
	if fallback {
		o.metrics.photoFailures.Add(context.Background(), 1)
	}
	applied, err := o.peers.SetAvatar(id, img)
	if err != nil {
		o.log.Warn("Failed to apply avatar", "peer", id, "error", err)
		return
	}
	if !applied {
		o.log.Debug("Avatar arrived after marker was removed", "peer", id)
	}
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.sweeper.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.post(ctx, func() { o.sweep(ctx) })
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	for _, id := range o.sweeper.Run(ctx, o.peers, o.dir, o.peers.Len) {
		delete(o.pendingPhotos, id)
	}
	o.syncMarkerGauge()
}
