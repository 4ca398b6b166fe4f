// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"fmt"

	"github.com/pinmap/locsync/internal/geo"
	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/pkg/core"
)

// LocationToRecord converts a stored location row to a core record.
func LocationToRecord(l model.Location) core.LocationRecord {
	return core.LocationRecord{
		UserID:    core.PeerID(l.UserID),
		Position:  core.Position{Latitude: l.Latitude, Longitude: l.Longitude},
		Accuracy:  l.Accuracy,
		Visible:   l.IsVisible,
		UpdatedAt: l.UpdatedAt.UTC(),
	}
}

// RecordToLocation converts a core record to a storable row, deriving the
// projected point. A hidden record is stored without its coordinates.
func RecordToLocation(r core.LocationRecord) (model.Location, error) {
	r = r.Shared()
	pt, err := geo.Point3857(r.Position)
	if err != nil {
		return model.Location{}, fmt.Errorf("location of %s: %w", r.UserID, err)
	}
	return model.Location{
		UserID:    string(r.UserID),
		Latitude:  r.Position.Latitude,
		Longitude: r.Position.Longitude,
		Accuracy:  r.Accuracy,
		Point:     pt,
		IsVisible: r.Visible,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// ProfileToCore converts a stored profile.
func ProfileToCore(p model.Profile) core.Profile {
	return core.Profile{
		ID:          core.PeerID(p.ID),
		DisplayName: p.DisplayName,
		PhotoRef:    p.PhotoURL,
	}
}

// PeerState joins a friend's profile with their location row. A friend with
// no location row, or a hidden one, is known but has nothing to show.
func PeerState(p model.Profile, l *model.Location) core.PeerState {
	s := core.PeerState{
		ID:          core.PeerID(p.ID),
		DisplayName: p.DisplayName,
		PhotoRef:    p.PhotoURL,
	}
	if l == nil {
		return s
	}
	s.Visible = l.IsVisible
	if l.IsVisible {
		s.Position = &core.Position{Latitude: l.Latitude, Longitude: l.Longitude}
	}
	s.UpdatedAt = l.UpdatedAt.UTC()
	return s
}
