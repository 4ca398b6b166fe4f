package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinmap/locsync/pkg/core"
)

func TestParseProfileRecord(t *testing.T) {
	p := newTestParser()

	prof, err := p.ParseProfileRecord(map[string]any{
		"id":           "u1",
		"display_name": "Ada",
		"photo_url":    "avatars/ada",
	})
	require.NoError(t, err)
	assert.Equal(t, core.Profile{ID: "u1", DisplayName: "Ada", PhotoRef: "avatars/ada"}, prof)
}

func TestParseProfileRecord_OptionalFields(t *testing.T) {
	p := newTestParser()

	prof, err := p.ParseProfileRecord(map[string]any{"id": "u1", "photo_url": nil})
	require.NoError(t, err)
	assert.Equal(t, "", prof.DisplayName)
	assert.Equal(t, "", prof.PhotoRef)
}

func TestParseProfileRecord_MissingID(t *testing.T) {
	_, err := newTestParser().ParseProfileRecord(map[string]any{"display_name": "Ada"})
	assert.Error(t, err)
}
