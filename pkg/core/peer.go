// pkg/core/peer.go
package core

import (
	"fmt"
	"time"
)

// PeerID is the opaque, stable identifier of a user.
type PeerID string

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Latitude  float64
	Longitude float64
}

// String formats the position as "lat,lng".
func (p Position) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (p Position) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// PeerState is the last known state of another user.
// Position is nil until the first fix for the peer has been seen.
type PeerState struct {
	ID          PeerID
	DisplayName string
	Position    *Position
	Visible     bool
	PhotoRef    string
	// UpdatedAt is the recency stamp carried by the event or row, not the time
	// it was received. Zero means unknown.
	UpdatedAt time.Time
}

// HasPosition reports whether a marker can be placed for the peer.
func (s PeerState) HasPosition() bool {
	return s.Position != nil
}

// Renderable reports whether the peer should currently have a marker.
func (s PeerState) Renderable() bool {
	return s.Visible && s.Position != nil
}

// PeerUpdate is an incremental location/visibility change for one peer.
type PeerUpdate struct {
	ID        PeerID
	Position  *Position
	Visible   bool
	UpdatedAt time.Time
}

// Profile holds the display metadata of a user.
type Profile struct {
	ID          PeerID
	DisplayName string
	PhotoRef    string
}
