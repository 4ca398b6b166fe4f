// Package cache holds the map-marker cache and the avatar image cache.
package cache

import (
	"errors"
	"fmt"
	"slices"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/pinmap/locsync/internal/geo"
	"github.com/pinmap/locsync/pkg/core"
)

// ErrNoPosition is returned by RenderOrUpdate when the peer has no position
// to place a marker at.
var ErrNoPosition = errors.New("peer has no position")

// Placement describes where a marker is drawn.
type Placement struct {
	PeerID    core.PeerID
	Position  core.Position
	Projected geom.Point // EPSG:3857
}

// Renderer is the native map surface. Refs returned by Place are owned by
// the cache until passed to Release.
type Renderer interface {
	Place(p Placement) (ref any, err error)
	Move(ref any, p Placement) error
	SetAvatar(ref any, img []byte) error
	Release(ref any)
}

// Handle is one live marker.
type Handle struct {
	PeerID    core.PeerID
	Rendered  core.Position
	Projected geom.Point
	HasAvatar bool
	ref       any
}

// Stats counts renderer interactions since creation.
type Stats struct {
	Placed   int
	Moved    int
	Skipped  int
	Released int
}

// AnnotationCache maps peer ids to live marker handles.
//
// It is not safe for concurrent use; the orchestrator loop owns it.
type AnnotationCache struct {
	renderer Renderer
	handles  map[core.PeerID]*Handle
	stats    Stats
}

// NewAnnotationCache creates an empty cache drawing through r.
func NewAnnotationCache(r Renderer) *AnnotationCache {
	return &AnnotationCache{
		renderer: r,
		handles:  make(map[core.PeerID]*Handle),
	}
}

// RenderOrUpdate places a marker for s or moves the existing one. A marker
// already at s.Position is left alone. When the renderer fails, the cache
// keeps whatever it had before the call.
func (c *AnnotationCache) RenderOrUpdate(s core.PeerState) error {
	if s.Position == nil {
		return fmt.Errorf("render %s: %w", s.ID, ErrNoPosition)
	}
	at := *s.Position
	projected, err := geo.Point3857(at)
	if err != nil {
		return fmt.Errorf("render %s: %w", s.ID, err)
	}
	pl := Placement{PeerID: s.ID, Position: at, Projected: projected}

	if h, ok := c.handles[s.ID]; ok {
		if geo.SamePosition(&h.Rendered, &at) {
			c.stats.Skipped++
			return nil
		}
		if err := c.renderer.Move(h.ref, pl); err != nil {
			return fmt.Errorf("move marker %s: %w", s.ID, err)
		}
		h.Rendered = at
		h.Projected = pl.Projected
		c.stats.Moved++
		return nil
	}

	ref, err := c.renderer.Place(pl)
	if err != nil {
		return fmt.Errorf("place marker %s: %w", s.ID, err)
	}
	c.handles[s.ID] = &Handle{
		PeerID:    s.ID,
		Rendered:  at,
		Projected: pl.Projected,
		ref:       ref,
	}
	c.stats.Placed++
	return nil
}

// SetAvatar applies image bytes to an existing marker. It reports false if
// the peer has no marker.
func (c *AnnotationCache) SetAvatar(id core.PeerID, img []byte) (bool, error) {
	h, ok := c.handles[id]
	if !ok {
		return false, nil
	}
	if err := c.renderer.SetAvatar(h.ref, img); err != nil {
		return true, fmt.Errorf("set avatar %s: %w", id, err)
	}
	h.HasAvatar = true
	return true, nil
}

// Remove releases the marker for id. It reports whether one existed.
func (c *AnnotationCache) Remove(id core.PeerID) bool {
	h, ok := c.handles[id]
	if !ok {
		return false
	}
	delete(c.handles, id)
	c.renderer.Release(h.ref)
	c.stats.Released++
	return true
}

// Clear releases every marker and returns how many were released.
func (c *AnnotationCache) Clear() int {
	n := 0
	for _, id := range c.Keys() {
		if c.Remove(id) {
			n++
		}
	}
	return n
}

// Has reports whether id has a marker.
func (c *AnnotationCache) Has(id core.PeerID) bool {
	_, ok := c.handles[id]
	return ok
}

// Get returns a copy of the handle for id.
func (c *AnnotationCache) Get(id core.PeerID) (Handle, bool) {
	h, ok := c.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Keys returns the ids with markers, sorted.
func (c *AnnotationCache) Keys() []core.PeerID {
	ids := make([]core.PeerID, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of live markers.
func (c *AnnotationCache) Len() int {
	return len(c.handles)
}

// Stats returns the renderer interaction counters.
func (c *AnnotationCache) Stats() Stats {
	return c.stats
}
