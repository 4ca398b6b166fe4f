// Package reststorage implements storage.Store over the hosted relational
// API. Row shapes are the JSON forms of the model package types.
package reststorage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pinmap/locsync/internal/api"
	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/internal/model/convert"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/pkg/core"
)

// Store is a storage.Store backed by an api.Client.
type Store struct {
	client *api.Client
}

var _ storage.Store = (*Store)(nil)

// New creates a REST store.
func New(client *api.Client) *Store {
	return &Store{client: client}
}

type friendRow struct {
	FriendID string `json:"friend_id"`
}

func (s *Store) FetchFriendIDs(ctx context.Context, viewer core.PeerID) ([]core.PeerID, error) {
	var rows []friendRow
	err := s.client.Select(ctx, "friendships", api.Query{
		Select:  "friend_id",
		Filters: []api.Filter{api.Eq("user_id", string(viewer))},
		Order:   "friend_id.asc",
	}, &rows)
	if err != nil {
		return nil, storage.Transient("fetch friends", err)
	}
	ids := make([]core.PeerID, len(rows))
	for i, r := range rows {
		ids[i] = core.PeerID(r.FriendID)
	}
	return ids, nil
}

func (s *Store) FetchPeers(ctx context.Context, viewer core.PeerID) ([]core.PeerState, error) {
	friends, err := s.FetchFriendIDs(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if len(friends) == 0 {
		return []core.PeerState{}, nil
	}
	ids := make([]string, len(friends))
	for i, f := range friends {
		ids[i] = string(f)
	}

	var profiles []model.Profile
	if err := s.client.Select(ctx, "profiles", api.Query{
		Select:  "id,display_name,photo_url",
		Filters: []api.Filter{api.In("id", ids)},
	}, &profiles); err != nil {
		return nil, storage.Transient("fetch profiles", err)
	}
	var locations []model.Location
	if err := s.client.Select(ctx, "locations", api.Query{
		Filters: []api.Filter{api.In("user_id", ids)},
	}, &locations); err != nil {
		return nil, storage.Transient("fetch locations", err)
	}

	byID := make(map[string]model.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	locByID := make(map[string]*model.Location, len(locations))
	for i := range locations {
		locByID[locations[i].UserID] = &locations[i]
	}

	out := make([]core.PeerState, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			p = model.Profile{ID: id}
		}
		out = append(out, convert.PeerState(p, locByID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error) {
	var rows []model.Profile
	err := s.client.Select(ctx, "profiles", api.Query{
		Select:  "id,display_name,photo_url",
		Filters: []api.Filter{api.Eq("id", string(id))},
		Limit:   1,
	}, &rows)
	if err != nil {
		return core.Profile{}, storage.Transient("fetch profile", err)
	}
	if len(rows) == 0 {
		return core.Profile{}, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	return convert.ProfileToCore(rows[0]), nil
}

func (s *Store) UpsertLocation(ctx context.Context, rec core.LocationRecord) error {
	if rec.UserID == "" {
		return errors.New("location record has no user id")
	}
	row, err := convert.RecordToLocation(rec)
	if err != nil {
		return err
	}
	if err := s.client.Upsert(ctx, "locations", "user_id", row); err != nil {
		return storage.Transient("upsert location", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
