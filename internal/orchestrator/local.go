package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pinmap/locsync/internal/cache"
	"github.com/pinmap/locsync/internal/geo"
	"github.com/pinmap/locsync/internal/monitor"
	"github.com/pinmap/locsync/pkg/core"
)

// ReportFix records a sensor reading of the local user. Unless ghost mode
// is on, the self marker follows it and the row is queued for upload. A
// ghosted user's fixes never leave the device.
func (o *Orchestrator) ReportFix(ctx context.Context, fix core.LocationFix) error {
	if !fix.Position.Valid() {
		return fmt.Errorf("report fix %s: %w", fix.Position, geo.ErrInvalidCoordinates)
	}
	return o.post(ctx, func() { o.applyFix(fix) })
}

func (o *Orchestrator) applyFix(fix core.LocationFix) {
	if last, ok := o.viewer.LastFix(); ok && !last.At.IsZero() && fix.At.Before(last.At) {
		o.log.Debug("Discarded out-of-order fix", "at", fix.At, "last", last.At)
		return
	}
	o.viewer.SetFix(fix)
	o.renderSelf()
	if o.viewer.Ghost() {
		return
	}
	if rec, ok := o.viewer.Record(); ok {
		o.upload(rec, false)
	}
}

// SetGhost turns ghost mode on or off. The own location row is re-uploaded
// with the new visibility right away and the self marker is removed or
// restored. Turning it on uploads the flag without coordinates. It returns
// once the change has been applied.
func (o *Orchestrator) SetGhost(ctx context.Context, on bool) error {
	return o.do(ctx, func() {
		if !o.viewer.SetGhost(on) {
			return
		}
		o.log.Info("Ghost mode changed", "ghost", on)
		o.renderSelf()
		rec, ok := o.viewer.Record()
		if !ok {
			if !on {
				o.log.Debug("No fix yet, position will be uploaded with the first one")
				return
			}
			rec = core.LocationRecord{UserID: o.viewer.ID()}
		}
		rec.Visible = !on
		rec.UpdatedAt = o.now().UTC()
		o.upload(rec, true)
	})
}

// upload queues rec for the backend. Versions only move forward, so friends
// never take a visibility change for a redelivered row.
func (o *Orchestrator) upload(rec core.LocationRecord, now bool) {
	if o.uploader == nil || rec.UserID == "" {
		return
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = o.now().UTC()
	}
	if !o.uploadedAt.IsZero() && !rec.UpdatedAt.After(o.uploadedAt) {
		rec.UpdatedAt = o.uploadedAt.Add(time.Millisecond)
	}
	o.uploadedAt = rec.UpdatedAt
	rec = rec.Shared()
	if now {
		o.uploader.Flush(rec)
		return
	}
	o.uploader.Enqueue(rec)
}

// renderSelf makes the self marker match the last fix and ghost state.
func (o *Orchestrator) renderSelf() {
	id := o.viewer.ID()
	if o.viewer.Ghost() {
		if o.self.Remove(id) {
			o.log.Debug("Removed self marker")
		}
		return
	}
	fix, ok := o.viewer.LastFix()
	if !ok {
		return
	}
	pos := fix.Position
	err := o.self.RenderOrUpdate(core.PeerState{ID: id, Position: &pos, Visible: true, UpdatedAt: fix.At})
	if err != nil {
		o.metrics.renderFailures.Add(context.Background(), 1)
		o.log.Warn("Self marker render failed", "error", err)
	}
}

// Tap reports a tap on the marker of id. For a visible peer it emits
// MarkerTapped and Focus at the peer's last known position. State is not
// changed.
func (o *Orchestrator) Tap(ctx context.Context, id core.PeerID) error {
	return o.post(ctx, func() {
		if id == o.viewer.ID() {
			o.focusSelf()
			return
		}
		st, ok := o.dir.Get(id)
		if !ok || !st.Renderable() || !o.peers.Has(id) {
			o.log.Debug("Ignoring tap on peer without marker", "peer", id)
			return
		}
		o.emit(core.Signal{Kind: core.SignalMarkerTapped, PeerID: id, Position: *st.Position})
		o.emit(core.Signal{Kind: core.SignalFocus, PeerID: id, Position: *st.Position})
	})
}

// Recenter asks the UI to focus the local user's last position.
func (o *Orchestrator) Recenter(ctx context.Context) error {
	return o.post(ctx, o.focusSelf)
}

func (o *Orchestrator) focusSelf() {
	fix, ok := o.viewer.LastFix()
	if !ok {
		o.log.Debug("Recenter requested before first fix")
		return
	}
	o.emit(core.Signal{Kind: core.SignalFocus, PeerID: o.viewer.ID(), Position: fix.Position})
}

// View is a copy of the loop-owned state.
type View struct {
	Viewer  core.PeerID
	Ghost   bool
	Peers   []core.PeerState
	Markers []cache.Handle
	Self    *cache.Handle

	SnapshotFailures int
	Subscribed       bool
	ConnectivityLost bool
}

// Visible returns the ids of visible peers.
func (v View) Visible() []core.PeerID {
	var ids []core.PeerID
	for _, p := range v.Peers {
		if p.Visible {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// MarkerIDs returns the ids with a peer marker.
func (v View) MarkerIDs() []core.PeerID {
	ids := make([]core.PeerID, len(v.Markers))
	for i, h := range v.Markers {
		ids[i] = h.PeerID
	}
	return ids
}

// Marker returns the handle for id.
func (v View) Marker(id core.PeerID) (cache.Handle, bool) {
	for _, h := range v.Markers {
		if h.PeerID == id {
			return h, true
		}
	}
	return cache.Handle{}, false
}

// Inspect calls fn on the loop with a copy of the current state.
func (o *Orchestrator) Inspect(ctx context.Context, fn func(View)) error {
	return o.do(ctx, func() { fn(o.view()) })
}

func (o *Orchestrator) view() View {
	v := View{
		Viewer: o.viewer.ID(),
		Ghost:  o.viewer.Ghost(),
	}
	for _, id := range o.dir.IDs() {
		st, _ := o.dir.Get(id)
		v.Peers = append(v.Peers, st)
	}
	for _, id := range o.peers.Keys() {
		h, _ := o.peers.Get(id)
		v.Markers = append(v.Markers, h)
	}
	if h, ok := o.self.Get(v.Viewer); ok {
		v.Self = &h
	}
	v.SnapshotFailures, v.Subscribed, v.ConnectivityLost = o.health.Snapshot()
	return v
}

// Status summarises the current state for the status file.
func (o *Orchestrator) Status(ctx context.Context) (monitor.Status, error) {
	var st monitor.Status
	err := o.Inspect(ctx, func(v View) {
		st = monitor.Status{
			Viewer:     v.Viewer,
			Ghost:      v.Ghost,
			Peers:      len(v.Peers),
			Visible:    len(v.Visible()),
			Markers:    len(v.Markers),
			Subscribed: v.Subscribed,
			Failures:   v.SnapshotFailures,
			Lost:       v.ConnectivityLost,
		}
	})
	if err != nil {
		return monitor.Status{}, err
	}
	st.Time = o.now()
	return st, nil
}
