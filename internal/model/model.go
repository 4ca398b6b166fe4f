package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/gorm"
)

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Profile{},
	&Friendship{},
	&Location{},
}

// Profile holds a user's public display metadata.
type Profile struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	DisplayName string    `json:"display_name" gorm:"size:127"`
	PhotoURL    string    `json:"photo_url" gorm:"size:512"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (*Profile) TableName() string {
	return "profiles"
}

// Friendship is one direction of an accepted friend relation. Both
// directions are stored so either side can look up its friends by UserID.
type Friendship struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;size:64"`
	FriendID  string    `json:"friend_id" gorm:"primaryKey;size:64;index"`
	CreatedAt time.Time `json:"created_at"`
}

func (*Friendship) TableName() string {
	return "friendships"
}

// Location is the single latest position row of a user. IsVisible is the
// ghost-mode flag other users see.
type Location struct {
	UserID    string     `json:"user_id" gorm:"primaryKey;size:64"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Point     geom.Point `json:"-"` // EPSG:3857, derived from Latitude/Longitude
	IsVisible bool       `json:"is_visible" gorm:"not null"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime:false;index"`
}

func (*Location) TableName() string {
	return "locations"
}

// BeforeSave keeps UpdatedAt set when the caller did not stamp the row.
func (l *Location) BeforeSave(tx *gorm.DB) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	return nil
}
