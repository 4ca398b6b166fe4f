package worker

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pinmap/locsync/internal/parser"
	"github.com/pinmap/locsync/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pinmap/locsync/internal/worker"

// Sink receives decoded change events. Nil callbacks are skipped.
type Sink struct {
	OnUpdate         func(core.PeerUpdate)
	// OnVisibilityLost reports a deleted row. at is its last version, zero
	// when the feed did not send one.
	OnVisibilityLost func(id core.PeerID, at time.Time)
	OnProfile        func(core.Profile)
}

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Parser *parser.Parser
	Logger *slog.Logger
	Sink   Sink
	// Self is the local user; their own row echoes back on the feed and is
	// not a peer.
	Self core.PeerID
}

// Manager turns raw change rows into peer events.
type Manager struct {
	deps Dependencies
	log  *slog.Logger

	// friends, when set, restricts events to these peers.
	friends atomic.Pointer[map[core.PeerID]struct{}]

	malformed metric.Int64Counter
	ignored   metric.Int64Counter
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) (*Manager, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Parser == nil {
		deps.Parser = parser.NewParser(log)
	}

	m := otel.Meter(instrumentationName)
	malformed, err := m.Int64Counter("locsync.feed.malformed",
		metric.WithDescription("Change events dropped because they could not be decoded"))
	if err != nil {
		return nil, fmt.Errorf("creating malformed counter: %w", err)
	}
	ignored, err := m.Int64Counter("locsync.feed.ignored",
		metric.WithDescription("Change events for users that are not friends of the viewer"))
	if err != nil {
		return nil, fmt.Errorf("creating ignored counter: %w", err)
	}

	return &Manager{deps: deps, log: log, malformed: malformed, ignored: ignored}, nil
}

// SetFriends restricts delivered events to the given peers. A nil set
// delivers everything.
func (m *Manager) SetFriends(ids []core.PeerID) {
	if ids == nil {
		m.friends.Store(nil)
		return
	}
	set := make(map[core.PeerID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	m.friends.Store(&set)
}

// accepts reports whether events for id should be delivered.
func (m *Manager) accepts(id core.PeerID) bool {
	if id == m.deps.Self {
		return false
	}
	set := m.friends.Load()
	if set == nil {
		return true
	}
	_, ok := (*set)[id]
	return ok
}
