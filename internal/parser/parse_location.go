package parser

import (
	"time"

	"github.com/pinmap/locsync/internal/geo"
	"github.com/pinmap/locsync/pkg/core"
)

// Location row columns.
const (
	ColUserID    = "user_id"
	ColLatitude  = "latitude"
	ColLongitude = "longitude"
	ColPosition  = "position"
	ColAccuracy  = "accuracy"
	ColVisible   = "is_visible"
	ColUpdatedAt = "updated_at"
)

// ParseLocationRecord decodes a row of the locations table. Coordinates come
// either as latitude/longitude columns or as a "lat,lng" position string.
// Rows without is_visible are treated as visible.
func (p *Parser) ParseLocationRecord(rec map[string]any) (core.LocationRecord, error) {
	var out core.LocationRecord

	id, err := requireString(rec, ColUserID)
	if err != nil {
		return out, err
	}
	out.UserID = core.PeerID(id)

	pos, hasPos, err := parsePosition(rec)
	if err != nil {
		return out, err
	}
	if !hasPos {
		return out, malformed(ColLatitude, "missing")
	}
	out.Position = pos

	if acc, ok, err := parseFloat(rec, ColAccuracy); err != nil {
		return out, err
	} else if ok {
		out.Accuracy = acc
	}

	if out.Visible, err = parseBool(rec, ColVisible, true); err != nil {
		return out, err
	}
	if out.UpdatedAt, err = parseTimestamp(rec, ColUpdatedAt); err != nil {
		return out, err
	}

	return out, nil
}

// ParsePeerUpdate decodes a location row into an incremental peer update.
// A row whose coordinates are absent is still a valid visibility update.
func (p *Parser) ParsePeerUpdate(rec map[string]any) (core.PeerUpdate, error) {
	var out core.PeerUpdate

	id, err := requireString(rec, ColUserID)
	if err != nil {
		return out, err
	}
	out.ID = core.PeerID(id)

	pos, hasPos, err := parsePosition(rec)
	if err != nil {
		return out, err
	}
	if hasPos {
		out.Position = &pos
	}

	if out.Visible, err = parseBool(rec, ColVisible, true); err != nil {
		return out, err
	}
	if out.UpdatedAt, err = parseTimestamp(rec, ColUpdatedAt); err != nil {
		return out, err
	}

	p.logger.Debug("Parsed location change",
		"peer_id", out.ID,
		"visible", out.Visible,
		"has_position", hasPos)

	return out, nil
}

// ParseLocationDelete extracts the user id and, when the old record carries
// it, the version of a DELETE's old record. A zero time means unknown.
func (p *Parser) ParseLocationDelete(old map[string]any) (core.PeerID, time.Time, error) {
	id, err := requireString(old, ColUserID)
	if err != nil {
		return "", time.Time{}, err
	}
	at, err := parseTimestamp(old, ColUpdatedAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return core.PeerID(id), at, nil
}

func parsePosition(rec map[string]any) (core.Position, bool, error) {
	if s, ok := rec[ColPosition].(string); ok && s != "" {
		pos, err := geo.ParsePosition(s)
		if err != nil {
			return core.Position{}, true, malformed(ColPosition, "%v", err)
		}
		return pos, true, nil
	}

	lat, hasLat, err := parseFloat(rec, ColLatitude)
	if err != nil {
		return core.Position{}, true, err
	}
	lng, hasLng, err := parseFloat(rec, ColLongitude)
	if err != nil {
		return core.Position{}, true, err
	}
	switch {
	case !hasLat && !hasLng:
		return core.Position{}, false, nil
	case !hasLat:
		return core.Position{}, true, malformed(ColLatitude, "missing")
	case !hasLng:
		return core.Position{}, true, malformed(ColLongitude, "missing")
	}

	pos := core.Position{Latitude: lat, Longitude: lng}
	if !pos.Valid() {
		return core.Position{}, true, malformed(ColLatitude, "out of range: %s", pos)
	}
	return pos, true, nil
}
