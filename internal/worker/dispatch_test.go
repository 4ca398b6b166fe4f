package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/pinmap/locsync/internal/dispatcher"
	"github.com/pinmap/locsync/internal/parser"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements dispatcher.Logger for testing
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) Debug(msg string, keysAndValues ...any) { l.add(msg) }
func (l *mockLogger) Info(msg string, keysAndValues ...any)  { l.add(msg) }
func (l *mockLogger) Error(msg string, keysAndValues ...any) { l.add(msg) }

func (l *mockLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// recorder collects everything delivered to the sink.
type recorder struct {
	mu       sync.Mutex
	updates  []core.PeerUpdate
	lost     []core.PeerID
	lostAt   []time.Time
	profiles []core.Profile
}

func (r *recorder) sink() Sink {
	return Sink{
		OnUpdate: func(u core.PeerUpdate) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, u)
		},
		OnVisibilityLost: func(id core.PeerID, at time.Time) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, id)
			r.lostAt = append(r.lostAt, at)
		},
		OnProfile: func(p core.Profile) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.profiles = append(r.profiles, p)
		},
	}
}

func setup(t *testing.T) (*Manager, *dispatcher.Dispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	m, err := NewManager(Dependencies{
		Parser: parser.NewParser(nil),
		Sink:   rec.sink(),
		Self:   "me",
	})
	require.NoError(t, err)

	d, err := dispatcher.New(&mockLogger{})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	m.RegisterHandlers(d)
	return m, d, rec
}

func locationEvent(eventType string, rec map[string]any) dispatcher.Event {
	return dispatcher.Event{Table: streaming.TableLocations, Type: eventType, Record: rec}
}

func TestRegisterHandlers(t *testing.T) {
	_, d, _ := setup(t)
	for _, key := range []string{
		"locations:INSERT", "locations:UPDATE", "locations:DELETE",
		"profiles:INSERT", "profiles:UPDATE",
	} {
		assert.True(t, d.HasHandler(key), key)
	}
	assert.False(t, d.HasHandler("profiles:DELETE"))
}

func TestLocationUpdate_Visible(t *testing.T) {
	_, d, rec := setup(t)

	err := d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
		"user_id":    "ana",
		"latitude":   52.5,
		"longitude":  13.4,
		"is_visible": true,
		"updated_at": "2026-05-04T10:30:00Z",
	}))
	require.NoError(t, err)

	require.Len(t, rec.updates, 1)
	u := rec.updates[0]
	assert.Equal(t, core.PeerID("ana"), u.ID)
	assert.Equal(t, &core.Position{Latitude: 52.5, Longitude: 13.4}, u.Position)
	assert.True(t, u.Visible)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC), u.UpdatedAt)
	assert.Empty(t, rec.lost)
}

func TestLocationUpdate_InvisibleKeepsVersion(t *testing.T) {
	_, d, rec := setup(t)

	require.NoError(t, d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
		"user_id":    "ana",
		"is_visible": false,
		"updated_at": "2026-05-04T10:31:00Z",
	})))

	assert.Empty(t, rec.lost)
	require.Len(t, rec.updates, 1)
	u := rec.updates[0]
	assert.Equal(t, core.PeerID("ana"), u.ID)
	assert.False(t, u.Visible)
	assert.Nil(t, u.Position)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 31, 0, 0, time.UTC), u.UpdatedAt)
}

func TestLocationDelete_UsesOldRecord(t *testing.T) {
	_, d, rec := setup(t)

	require.NoError(t, d.Dispatch(dispatcher.Event{
		Table:     streaming.TableLocations,
		Type:      streaming.EventDelete,
		OldRecord: map[string]any{"user_id": "bo", "updated_at": "2026-05-04T10:32:00Z"},
	}))
	assert.Equal(t, []core.PeerID{"bo"}, rec.lost)
	assert.Equal(t, []time.Time{time.Date(2026, 5, 4, 10, 32, 0, 0, time.UTC)}, rec.lostAt)
}

func TestLocationChange_Malformed(t *testing.T) {
	_, d, rec := setup(t)

	err := d.Dispatch(locationEvent(streaming.EventInsert, map[string]any{
		"latitude": 1.0,
	}))
	require.Error(t, err)
	var me *parser.MalformedEventError
	assert.ErrorAs(t, err, &me)
	assert.Empty(t, rec.updates)
	assert.Empty(t, rec.lost)
}

func TestLocationChange_IgnoresSelf(t *testing.T) {
	_, d, rec := setup(t)

	require.NoError(t, d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
		"user_id": "me", "latitude": 1.0, "longitude": 2.0, "is_visible": true,
	})))
	assert.Empty(t, rec.updates)
}

func TestSetFriends_FiltersStrangers(t *testing.T) {
	m, d, rec := setup(t)
	m.SetFriends([]core.PeerID{"ana"})

	for _, id := range []string{"ana", "zed"} {
		require.NoError(t, d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
			"user_id": id, "latitude": 1.0, "longitude": 2.0,
		})))
	}
	require.Len(t, rec.updates, 1)
	assert.Equal(t, core.PeerID("ana"), rec.updates[0].ID)

	m.SetFriends(nil)
	require.NoError(t, d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
		"user_id": "zed", "latitude": 1.0, "longitude": 2.0,
	})))
	assert.Len(t, rec.updates, 2)
}

func TestProfileChange_Buffered(t *testing.T) {
	_, d, rec := setup(t)

	require.NoError(t, d.Dispatch(dispatcher.Event{
		Table:  streaming.TableProfiles,
		Type:   streaming.EventUpdate,
		Record: map[string]any{"id": "ana", "display_name": "Ana B", "photo_url": "ana2"},
	}))
	d.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.profiles, 1)
	assert.Equal(t, core.Profile{ID: "ana", DisplayName: "Ana B", PhotoRef: "ana2"}, rec.profiles[0])
}

func TestSyncHandlersPreserveReceiptOrder(t *testing.T) {
	_, d, rec := setup(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, d.Dispatch(locationEvent(streaming.EventUpdate, map[string]any{
			"user_id":    "ana",
			"latitude":   float64(i),
			"longitude":  0.0,
			"updated_at": float64(1777890600 + i),
		})))
	}
	require.Len(t, rec.updates, 5)
	for i, u := range rec.updates {
		assert.Equal(t, float64(i+1), u.Position.Latitude)
	}
}
