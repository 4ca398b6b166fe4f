package convert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinmap/locsync/internal/geo"
	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/pkg/core"
)

var stamp = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func TestRecordToLocation(t *testing.T) {
	rec := core.LocationRecord{
		UserID:    "u1",
		Position:  core.Position{Latitude: 48.85, Longitude: 2.35},
		Accuracy:  12,
		Visible:   true,
		UpdatedAt: stamp,
	}

	l, err := RecordToLocation(rec)
	require.NoError(t, err)

	assert.Equal(t, "u1", l.UserID)
	assert.Equal(t, 48.85, l.Latitude)
	assert.Equal(t, 2.35, l.Longitude)
	assert.Equal(t, 12.0, l.Accuracy)
	assert.True(t, l.IsVisible)
	assert.Equal(t, stamp, l.UpdatedAt)

	back, err := geo.PositionFrom3857(l.Point)
	require.NoError(t, err)
	assert.InDelta(t, 48.85, back.Latitude, 1e-6)
	assert.InDelta(t, 2.35, back.Longitude, 1e-6)
}

func TestRecordToLocation_HiddenDropsCoordinates(t *testing.T) {
	l, err := RecordToLocation(core.LocationRecord{
		UserID:   "u1",
		Position: core.Position{Latitude: 48.85, Longitude: 2.35},
		Accuracy: 12,
		Visible:  false,
	})
	require.NoError(t, err)
	assert.False(t, l.IsVisible)
	assert.Zero(t, l.Latitude)
	assert.Zero(t, l.Longitude)
	assert.Zero(t, l.Accuracy)
}

func TestLocationToRecord(t *testing.T) {
	l := model.Location{UserID: "u1", Latitude: 1, Longitude: 2, Accuracy: 3, IsVisible: true, UpdatedAt: stamp}

	rec := LocationToRecord(l)

	assert.Equal(t, core.LocationRecord{
		UserID:    "u1",
		Position:  core.Position{Latitude: 1, Longitude: 2},
		Accuracy:  3,
		Visible:   true,
		UpdatedAt: stamp,
	}, rec)
}

func TestProfileToCore(t *testing.T) {
	p := ProfileToCore(model.Profile{ID: "u1", DisplayName: "Ada", PhotoURL: "https://img/ada.png"})
	assert.Equal(t, core.Profile{ID: "u1", DisplayName: "Ada", PhotoRef: "https://img/ada.png"}, p)
}

func TestPeerState_WithLocation(t *testing.T) {
	s := PeerState(
		model.Profile{ID: "u1", DisplayName: "Ada"},
		&model.Location{UserID: "u1", Latitude: 1, Longitude: 2, IsVisible: true, UpdatedAt: stamp},
	)

	assert.Equal(t, core.PeerID("u1"), s.ID)
	assert.Equal(t, "Ada", s.DisplayName)
	require.NotNil(t, s.Position)
	assert.Equal(t, core.Position{Latitude: 1, Longitude: 2}, *s.Position)
	assert.True(t, s.Visible)
	assert.Equal(t, stamp, s.UpdatedAt)
}

func TestPeerState_HiddenHasNoPosition(t *testing.T) {
	s := PeerState(
		model.Profile{ID: "u1"},
		&model.Location{UserID: "u1", Latitude: 1, Longitude: 2, IsVisible: false, UpdatedAt: stamp},
	)
	assert.Nil(t, s.Position)
	assert.False(t, s.Visible)
	assert.Equal(t, stamp, s.UpdatedAt)
}

func TestPeerState_WithoutLocation(t *testing.T) {
	s := PeerState(model.Profile{ID: "u1"}, nil)

	assert.Nil(t, s.Position)
	assert.False(t, s.Visible)
	assert.False(t, s.Renderable())
}
