// Package render provides an in-process map surface for the driver binary
// and tests.
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/pinmap/locsync/internal/cache"
	"github.com/pinmap/locsync/pkg/core"
)

// ErrUnknownRef is returned for a ref that was never placed or was released.
var ErrUnknownRef = errors.New("unknown marker ref")

// Marker is a drawn pin.
type Marker struct {
	Ref       uint64
	PeerID    core.PeerID
	Position  core.Position
	Projected geom.Point
	Avatar    []byte
	Moves     int
}

// Counters totals renderer calls.
type Counters struct {
	Places         int
	Moves          int
	Avatars        int
	Releases       int
	DoubleReleases int
}

// Headless records markers in memory. It is safe for concurrent use so a
// status reporter can read it while the loop draws.
type Headless struct {
	mu         sync.Mutex
	next       uint64
	live       map[uint64]*Marker
	counters   Counters
	failPlace  map[core.PeerID]error
	failAvatar map[core.PeerID]error
	log        *slog.Logger
}

var _ cache.Renderer = (*Headless)(nil)

// NewHeadless creates an empty surface.
func NewHeadless(logger *slog.Logger) *Headless {
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		live:       make(map[uint64]*Marker),
		failPlace:  make(map[core.PeerID]error),
		failAvatar: make(map[core.PeerID]error),
		log:        logger,
	}
}

// FailPlace makes Place fail for id with err; nil clears it.
func (h *Headless) FailPlace(id core.PeerID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failPlace, id)
		return
	}
	h.failPlace[id] = err
}

// FailAvatar makes SetAvatar fail for id with err; nil clears it.
func (h *Headless) FailAvatar(id core.PeerID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failAvatar, id)
		return
	}
	h.failAvatar[id] = err
}

func (h *Headless) Place(p cache.Placement) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.failPlace[p.PeerID]; err != nil {
		return nil, err
	}
	h.next++
	h.live[h.next] = &Marker{
		Ref:       h.next,
		PeerID:    p.PeerID,
		Position:  p.Position,
		Projected: p.Projected,
	}
	h.counters.Places++
	h.log.Debug("Placed marker", "peer_id", p.PeerID, "at", p.Position.String())
	return h.next, nil
}

func (h *Headless) lookup(ref any) (*Marker, error) {
	id, ok := ref.(uint64)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownRef, ref)
	}
	m, ok := h.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRef, id)
	}
	return m, nil
}

func (h *Headless) Move(ref any, p cache.Placement) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.lookup(ref)
	if err != nil {
		return err
	}
	m.Position = p.Position
	m.Projected = p.Projected
	m.Moves++
	h.counters.Moves++
	return nil
}

func (h *Headless) SetAvatar(ref any, img []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.lookup(ref)
	if err != nil {
		return err
	}
	if err := h.failAvatar[m.PeerID]; err != nil {
		return err
	}
	m.Avatar = img
	h.counters.Avatars++
	return nil
}

func (h *Headless) Release(ref any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, err := h.lookup(ref)
	if err != nil {
		h.counters.DoubleReleases++
		h.log.Warn("Release of unknown marker", "error", err)
		return
	}
	delete(h.live, m.Ref)
	h.counters.Releases++
}

// Live returns the number of markers that have not been released.
func (h *Headless) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Markers returns copies of the live markers ordered by peer id.
func (h *Headless) Markers() []Marker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Marker, 0, len(h.live))
	for _, m := range h.live {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

// MarkersFor returns the live markers of one peer.
func (h *Headless) MarkersFor(id core.PeerID) []Marker {
	var out []Marker
	for _, m := range h.Markers() {
		if m.PeerID == id {
			out = append(out, m)
		}
	}
	return out
}

// Counters returns the call totals.
func (h *Headless) Counters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}
