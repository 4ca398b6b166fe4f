package parser

import "github.com/pinmap/locsync/pkg/core"

// Profile row columns.
const (
	ColID          = "id"
	ColDisplayName = "display_name"
	ColPhotoURL    = "photo_url"
)

// ParseProfileRecord decodes a row of the profiles table.
func (p *Parser) ParseProfileRecord(rec map[string]any) (core.Profile, error) {
	id, err := requireString(rec, ColID)
	if err != nil {
		return core.Profile{}, err
	}
	return core.Profile{
		ID:          core.PeerID(id),
		DisplayName: optionalString(rec, ColDisplayName),
		PhotoRef:    optionalString(rec, ColPhotoURL),
	}, nil
}
