package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pinmap/locsync/internal/realtime"
	"github.com/pinmap/locsync/internal/storage/memory"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
)

type demoFriend struct {
	profile core.Profile
	start   core.Position
}

var demoFriends = []demoFriend{
	{core.Profile{ID: "ana", DisplayName: "Ana"}, core.Position{Latitude: 48.2082, Longitude: 16.3738}},
	{core.Profile{ID: "bo", DisplayName: "Bo", PhotoRef: "https://example.invalid/bo.png"}, core.Position{Latitude: 48.2100, Longitude: 16.3600}},
	{core.Profile{ID: "cy", DisplayName: "Cy"}, core.Position{Latitude: 48.1990, Longitude: 16.3700}},
	{core.Profile{ID: "dee", DisplayName: "Dee"}, core.Position{Latitude: 48.2150, Longitude: 16.3900}},
}

// simulation moves demo friends around an in-memory store and pushes each
// change like the realtime feed would.
type simulation struct {
	store    *memory.Store
	viewer   core.PeerID
	interval time.Duration
	changes  chan streaming.ChangePayload
	rng      *rand.Rand
	now      func() time.Time

	// last true position of every friend; hidden rows do not keep it
	positions map[core.PeerID]core.Position
}

func newSimulation(store *memory.Store, viewer core.PeerID) *simulation {
	return &simulation{
		store:    store,
		viewer:   viewer,
		interval: 2 * time.Second,
		changes:  make(chan streaming.ChangePayload, 16),
		rng:      rand.New(rand.NewPCG(1, 2)),
		now:      time.Now,

		positions: make(map[core.PeerID]core.Position, len(demoFriends)),
	}
}

// seed creates the viewer, the demo friends and their first positions.
func (s *simulation) seed(ctx context.Context) {
	s.store.PutProfile(core.Profile{ID: s.viewer, DisplayName: "Me"})
	for i, f := range demoFriends {
		s.store.PutProfile(f.profile)
		s.store.AddFriendship(s.viewer, f.profile.ID)
		s.positions[f.profile.ID] = f.start
		s.store.UpsertLocation(ctx, core.LocationRecord{
			UserID:    f.profile.ID,
			Position:  f.start,
			Accuracy:  10,
			Visible:   i != len(demoFriends)-1, // the last one starts ghosted
			UpdatedAt: s.now().UTC(),
		})
	}
}

// Run implements feed.Subscriber: it reports the feed up and forwards
// simulated changes until ctx is cancelled.
func (s *simulation) Run(ctx context.Context, _ []streaming.SubscribePayload, h realtime.Handlers) error {
	if h.OnStatus != nil {
		h.OnStatus(true)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.changes:
			if h.OnChange != nil {
				h.OnChange(c)
			}
		}
	}
}

// Move runs the simulation clock until ctx is cancelled.
func (s *simulation) Move(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c, ok := s.step(ctx)
			if !ok {
				continue
			}
			select {
			case s.changes <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// step moves or toggles one random friend and returns the change.
func (s *simulation) step(ctx context.Context) (streaming.ChangePayload, bool) {
	f := demoFriends[s.rng.IntN(len(demoFriends))]
	rec, ok := s.store.LocationOf(f.profile.ID)
	if !ok {
		return streaming.ChangePayload{}, false
	}
	pos := s.positions[f.profile.ID]
	if s.rng.IntN(10) == 0 {
		rec.Visible = !rec.Visible
	} else {
		pos.Latitude += (s.rng.Float64() - 0.5) * 0.002
		pos.Longitude += (s.rng.Float64() - 0.5) * 0.002
		s.positions[f.profile.ID] = pos
	}
	rec.Position = pos
	rec.Accuracy = 10
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertLocation(ctx, rec); err != nil {
		return streaming.ChangePayload{}, false
	}
	record := map[string]any{
		"user_id":    string(rec.UserID),
		"is_visible": rec.Visible,
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.Visible {
		record["latitude"] = pos.Latitude
		record["longitude"] = pos.Longitude
		record["accuracy"] = rec.Accuracy
	}
	return streaming.ChangePayload{
		Table:  streaming.TableLocations,
		Event:  streaming.EventUpdate,
		Record: record,
	}, true
}
