// Package directory holds the authoritative peer-id → PeerState map.
//
// A Directory is not safe for concurrent use. It is owned by the
// orchestrator loop and must only be touched from that goroutine.
package directory

import (
	"slices"
	"time"

	"github.com/pinmap/locsync/pkg/core"
)

type entry struct {
	state core.PeerState
	// seq is the directory sequence number of the last write to this entry.
	seq uint64
}

// Directory maps peer ids to their latest known state.
type Directory struct {
	peers map[core.PeerID]*entry
	seq   uint64
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{peers: make(map[core.PeerID]*entry)}
}

// Seq returns the sequence number of the most recent write. Record it
// before requesting a snapshot and pass it to RemoveMissing.
func (d *Directory) Seq() uint64 {
	return d.seq
}

func (d *Directory) touch(e *entry) {
	d.seq++
	e.seq = d.seq
}

// stale reports whether incoming is strictly older than current. A zero
// timestamp on either side is unknown and never counts as older.
func stale(current, incoming core.PeerState) bool {
	if current.UpdatedAt.IsZero() || incoming.UpdatedAt.IsZero() {
		return false
	}
	return incoming.UpdatedAt.Before(current.UpdatedAt)
}

// regresses reports whether incoming must be rejected: it is older than
// current, or it carries the same version as a hidden entry and would make
// it visible again. A redelivered row never undoes a later hide.
func regresses(current, incoming core.PeerState) bool {
	if stale(current, incoming) {
		return true
	}
	return !current.Visible && incoming.Visible &&
		!current.UpdatedAt.IsZero() && incoming.UpdatedAt.Equal(current.UpdatedAt)
}

// Upsert inserts or replaces the state for s.ID. It returns false and keeps
// the stored state when s is older than it.
func (d *Directory) Upsert(s core.PeerState) bool {
	s.Position = clonePosition(s.Position)
	e, ok := d.peers[s.ID]
	if !ok {
		e = &entry{state: s}
		d.peers[s.ID] = e
		d.touch(e)
		return true
	}
	if regresses(e.state, s) {
		return false
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = e.state.UpdatedAt
	}
	// Snapshots may lack profile fields a previous lookup filled in.
	if s.DisplayName == "" {
		s.DisplayName = e.state.DisplayName
	}
	if s.PhotoRef == "" {
		s.PhotoRef = e.state.PhotoRef
	}
	e.state = s
	d.touch(e)
	return true
}

// Apply merges an incremental update into the entry for u.ID, creating it if
// unknown. A nil position keeps the stored one. It returns the resulting
// state and false when the update was older than the stored state.
func (d *Directory) Apply(u core.PeerUpdate) (core.PeerState, bool) {
	e, ok := d.peers[u.ID]
	if !ok {
		e = &entry{state: core.PeerState{ID: u.ID}}
		d.peers[u.ID] = e
	}
	incoming := core.PeerState{ID: u.ID, Visible: u.Visible, UpdatedAt: u.UpdatedAt}
	if ok && regresses(e.state, incoming) {
		return cloneState(e.state), false
	}

	if u.Position != nil {
		e.state.Position = clonePosition(u.Position)
	}
	e.state.Visible = u.Visible
	if !u.UpdatedAt.IsZero() {
		e.state.UpdatedAt = u.UpdatedAt
	}
	d.touch(e)
	return cloneState(e.state), true
}

// MarkHidden flags a known peer as not visible and keeps its entry. at is
// the version of the row that went away; zero means unknown. It reports
// whether the peer was known and the hide was not older than its state.
func (d *Directory) MarkHidden(id core.PeerID, at time.Time) bool {
	e, ok := d.peers[id]
	if !ok {
		return false
	}
	if stale(e.state, core.PeerState{UpdatedAt: at}) {
		return false
	}
	e.state.Visible = false
	if !at.IsZero() {
		e.state.UpdatedAt = at
	}
	d.touch(e)
	return true
}

// SetProfile fills in display metadata for a known peer.
func (d *Directory) SetProfile(p core.Profile) bool {
	e, ok := d.peers[p.ID]
	if !ok {
		return false
	}
	if p.DisplayName != "" {
		e.state.DisplayName = p.DisplayName
	}
	if p.PhotoRef != "" {
		e.state.PhotoRef = p.PhotoRef
	}
	return true
}

// Remove deletes the entry for id. Removing an unknown id is a no-op.
func (d *Directory) Remove(id core.PeerID) {
	delete(d.peers, id)
}

// Get returns a copy of the state for id.
func (d *Directory) Get(id core.PeerID) (core.PeerState, bool) {
	e, ok := d.peers[id]
	if !ok {
		return core.PeerState{}, false
	}
	return cloneState(e.state), true
}

// IsVisible reports whether id is known and marked visible.
func (d *Directory) IsVisible(id core.PeerID) bool {
	e, ok := d.peers[id]
	return ok && e.state.Visible
}

// AllVisible returns every visible peer sorted by id. This is the set that
// should currently be rendered, positions permitting.
func (d *Directory) AllVisible() []core.PeerState {
	out := make([]core.PeerState, 0, len(d.peers))
	for _, e := range d.peers {
		if e.state.Visible {
			out = append(out, cloneState(e.state))
		}
	}
	slices.SortFunc(out, func(a, b core.PeerState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// IDs returns every known peer id, sorted.
func (d *Directory) IDs() []core.PeerID {
	ids := make([]core.PeerID, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	return len(d.peers)
}

// RemoveMissing drops every entry absent from present, except entries
// written after since. The removed ids are returned sorted.
func (d *Directory) RemoveMissing(present map[core.PeerID]struct{}, since uint64) []core.PeerID {
	var removed []core.PeerID
	for id, e := range d.peers {
		if _, ok := present[id]; ok {
			continue
		}
		if e.seq > since {
			continue
		}
		delete(d.peers, id)
		removed = append(removed, id)
	}
	slices.Sort(removed)
	return removed
}

func clonePosition(p *core.Position) *core.Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneState(s core.PeerState) core.PeerState {
	s.Position = clonePosition(s.Position)
	return s
}
