// Package memory implements storage.Store with in-process maps. It backs
// the dev driver when no database is configured and the orchestrator tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/pkg/core"
)

// Store is a concurrency-safe in-memory storage.Store.
type Store struct {
	mu        sync.RWMutex
	profiles  map[core.PeerID]core.Profile
	friends   map[core.PeerID]map[core.PeerID]struct{}
	locations map[core.PeerID]core.LocationRecord

	// failPeers, when non-nil, is returned by FetchPeers.
	failPeers error
	closed    bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles:  make(map[core.PeerID]core.Profile),
		friends:   make(map[core.PeerID]map[core.PeerID]struct{}),
		locations: make(map[core.PeerID]core.LocationRecord),
	}
}

// PutProfile stores or replaces a profile.
func (s *Store) PutProfile(p core.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// AddFriendship records both directions of a friend relation.
func (s *Store) AddFriendship(a, b core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(a, b)
	s.link(b, a)
}

func (s *Store) link(from, to core.PeerID) {
	set, ok := s.friends[from]
	if !ok {
		set = make(map[core.PeerID]struct{})
		s.friends[from] = set
	}
	set[to] = struct{}{}
}

// RemoveFriendship drops both directions of a friend relation.
func (s *Store) RemoveFriendship(a, b core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends[a], b)
	delete(s.friends[b], a)
}

// DeleteLocation drops a user's location row.
func (s *Store) DeleteLocation(id core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, id)
}

// FailFetches makes FetchPeers return err until called again with nil.
func (s *Store) FailFetches(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPeers = err
}

func (s *Store) FetchFriendIDs(ctx context.Context, viewer core.PeerID) ([]core.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Transient("fetch friends", errors.New("store closed"))
	}
	return s.friendIDsLocked(viewer), nil
}

func (s *Store) friendIDsLocked(viewer core.PeerID) []core.PeerID {
	ids := make([]core.PeerID, 0, len(s.friends[viewer]))
	for id := range s.friends[viewer] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) FetchPeers(ctx context.Context, viewer core.PeerID) ([]core.PeerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.Transient("fetch peers", errors.New("store closed"))
	}
	if s.failPeers != nil {
		return nil, storage.Transient("fetch peers", s.failPeers)
	}

	ids := s.friendIDsLocked(viewer)
	out := make([]core.PeerState, 0, len(ids))
	for _, id := range ids {
		p := s.profiles[id]
		st := core.PeerState{ID: id, DisplayName: p.DisplayName, PhotoRef: p.PhotoRef}
		if loc, ok := s.locations[id]; ok {
			st.Visible = loc.Visible
			st.UpdatedAt = loc.UpdatedAt
			if loc.Visible {
				pos := loc.Position
				st.Position = &pos
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error) {
	if err := ctx.Err(); err != nil {
		return core.Profile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return core.Profile{}, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) UpsertLocation(ctx context.Context, rec core.LocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UserID == "" {
		return errors.New("location record has no user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Transient("upsert location", errors.New("store closed"))
	}
	s.locations[rec.UserID] = rec.Shared()
	return nil
}

// LocationOf returns the stored location row of a user.
func (s *Store) LocationOf(id core.PeerID) (core.LocationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.locations[id]
	return rec, ok
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
