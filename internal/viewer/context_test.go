package viewer

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pinmap/locsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Defaults(t *testing.T) {
	ctx := NewContext()

	assert.Equal(t, core.PeerID(""), ctx.ID())
	assert.False(t, ctx.Ghost())
	_, ok := ctx.LastFix()
	assert.False(t, ok)
	assert.Nil(t, ctx.LogAttrs())
}

func TestContext_SetGhostReportsChange(t *testing.T) {
	ctx := NewContext()
	assert.True(t, ctx.SetGhost(true))
	assert.False(t, ctx.SetGhost(true))
	assert.True(t, ctx.SetGhost(false))
}

func TestContext_Record(t *testing.T) {
	ctx := NewContext()
	_, ok := ctx.Record()
	assert.False(t, ok)

	ctx.SetID("me")
	at := time.Unix(100, 0).UTC()
	ctx.SetFix(core.LocationFix{Position: core.Position{Latitude: 1, Longitude: 2}, Accuracy: 7, At: at})
	ctx.SetGhost(true)

	rec, ok := ctx.Record()
	require.True(t, ok)
	assert.Equal(t, core.LocationRecord{
		UserID:    "me",
		Position:  core.Position{Latitude: 1, Longitude: 2},
		Accuracy:  7,
		Visible:   false,
		UpdatedAt: at,
	}, rec)
}

func TestContext_LogAttrs(t *testing.T) {
	ctx := NewContext()
	ctx.SetID("me")
	ctx.SetGhost(true)

	attrs := ctx.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, slog.String("viewer", "me"), attrs[0])
	assert.Equal(t, slog.Bool("ghost", true), attrs[1])
}

func TestContext_ThreadSafe(t *testing.T) {
	ctx := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ctx.SetGhost(i%2 == 0)
			ctx.SetFix(core.LocationFix{Position: core.Position{Latitude: float64(i)}})
		}(i)
		go func() {
			defer wg.Done()
			_ = ctx.LogAttrs()
			_, _ = ctx.Record()
		}()
	}
	wg.Wait()
}
