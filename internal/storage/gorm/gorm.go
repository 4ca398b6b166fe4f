// Package gormstorage implements storage.Store over a GORM connection. The
// same code serves SQLite and PostgreSQL; the database.Manager decides which.
package gormstorage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/internal/model/convert"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/pkg/core"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Dependencies holds the collaborators of the GORM store.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
	// CloseDB closes the underlying connection on Close. Leave it nil when
	// the connection is owned by a database.Manager.
	CloseDB func() error
}

// Store is a storage.Store backed by GORM.
type Store struct {
	db      *gorm.DB
	log     *slog.Logger
	closeDB func() error
}

var _ storage.Store = (*Store)(nil)

// New creates a GORM store. The schema is expected to exist; call Migrate
// for a fresh database.
func New(deps Dependencies) *Store {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: deps.DB, log: log, closeDB: deps.CloseDB}
}

// Migrate creates or updates the tables of every model.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// FetchFriendIDs returns the viewer's friend ids in ascending order.
func (s *Store) FetchFriendIDs(ctx context.Context, viewer core.PeerID) ([]core.PeerID, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.Friendship{}).
		Where("user_id = ?", string(viewer)).
		Order("friend_id").
		Pluck("friend_id", &ids).Error
	if err != nil {
		return nil, storage.Transient("fetch friends", err)
	}
	out := make([]core.PeerID, len(ids))
	for i, id := range ids {
		out[i] = core.PeerID(id)
	}
	return out, nil
}

// FetchPeers joins the viewer's friends with their profiles and location
// rows. A friend with no profile row is still returned, by id only.
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
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, storage.Transient("fetch profiles", err)
	}
	var locations []model.Location
	if err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Find(&locations).Error; err != nil {
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

// FetchProfile returns storage.ErrNotFound for an unknown user.
func (s *Store) FetchProfile(ctx context.Context, id core.PeerID) (core.Profile, error) {
	var p model.Profile
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.Profile{}, fmt.Errorf("profile %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return core.Profile{}, storage.Transient("fetch profile", err)
	}
	return convert.ProfileToCore(p), nil
}

// UpsertLocation inserts the user's location row or overwrites it.
func (s *Store) UpsertLocation(ctx context.Context, rec core.LocationRecord) error {
	if rec.UserID == "" {
		return errors.New("location record has no user id")
	}
	row, err := convert.RecordToLocation(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return storage.Transient("upsert location", err)
	}
	return nil
}

// LocationOf returns the stored location row of a user.
func (s *Store) LocationOf(ctx context.Context, id core.PeerID) (core.LocationRecord, error) {
	var l model.Location
	err := s.db.WithContext(ctx).Where("user_id = ?", string(id)).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.LocationRecord{}, fmt.Errorf("location %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return core.LocationRecord{}, storage.Transient("fetch location", err)
	}
	return convert.LocationToRecord(l), nil
}

// DeleteLocation removes the location row of a user. It reports whether a
// row existed.
func (s *Store) DeleteLocation(ctx context.Context, id core.PeerID) (bool, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", string(id)).Delete(&model.Location{})
	if res.Error != nil {
		return false, storage.Transient("delete location", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveProfile inserts or updates a profile row.
func (s *Store) SaveProfile(ctx context.Context, p core.Profile) error {
	row := model.Profile{ID: string(p.ID), DisplayName: p.DisplayName, PhotoURL: p.PhotoRef}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "photo_url", "updated_at"}),
	}).Create(&row).Error
}

// AddFriendship stores both directions of a friend relation.
func (s *Store) AddFriendship(ctx context.Context, a, b core.PeerID) error {
	rows := []model.Friendship{
		{UserID: string(a), FriendID: string(b)},
		{UserID: string(b), FriendID: string(a)},
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Close closes the connection when the store owns it.
func (s *Store) Close() error {
	if s.closeDB == nil {
		return nil
	}
	return s.closeDB()
}
