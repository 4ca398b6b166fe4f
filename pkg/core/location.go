// pkg/core/location.go
package core

import "time"

// LocationFix is a reading of the local user's position from the device sensor.
type LocationFix struct {
	Position Position
	Accuracy float64 // meters, 0 if unknown
	At       time.Time
}

// LocationRecord is one row of the shared location table: the last uploaded
// position of a user together with the visibility flag others see.
type LocationRecord struct {
	UserID    PeerID
	Position  Position
	Accuracy  float64
	Visible   bool
	UpdatedAt time.Time
}

// Shared returns the row as friends may see it. A hidden row carries no
// coordinates.
func (r LocationRecord) Shared() LocationRecord {
	if !r.Visible {
		r.Position = Position{}
		r.Accuracy = 0
	}
	return r
}
