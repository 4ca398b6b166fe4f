package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"github.com/pinmap/locsync/pkg/core"
)

// Positions travel as WGS84 degrees. The stored geometry column is Web
// Mercator (3857) so map clients can use it without reprojecting.

// EarthRadiusMeters is the mean Earth radius used for great-circle distance.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParsePosition parses a "lat,lng" string. Whitespace around either
// component is ignored.
func ParsePosition(coords string) (core.Position, error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return core.Position{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return core.Position{}, ErrInvalidCoordinates
	}
	p := core.Position{Latitude: lat, Longitude: lng}
	if !p.Valid() {
		return core.Position{}, ErrInvalidCoordinates
	}
	return p, nil
}

// Point3857 projects a WGS84 position into a Web Mercator point.
func Point3857(p core.Position) (geom.Point, error) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(p.Longitude, p.Latitude, 0)
	pt, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.Point{}, fmt.Errorf("project %s: %w", p, err)
	}
	return pt, nil
}

// PositionFrom3857 reverses Point3857. Empty points are rejected.
func PositionFrom3857(pt geom.Point) (core.Position, error) {
	c, ok := pt.Coordinates()
	if !ok {
		return core.Position{}, ErrInvalidCoordinates
	}
	f := wgs84.EPSG().Transform(3857, 4326)
	lng, lat, _ := f(c.X, c.Y, 0)
	return core.Position{Latitude: lat, Longitude: lng}, nil
}

// DistanceMeters returns the great-circle distance between two positions.
func DistanceMeters(a, b core.Position) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	φ1, φ2 := rad(a.Latitude), rad(b.Latitude)
	Δφ := rad(b.Latitude - a.Latitude)
	Δλ := rad(b.Longitude - a.Longitude)
	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SamePosition reports whether two optional positions are identical.
// Two nil positions are identical.
func SamePosition(a, b *core.Position) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
