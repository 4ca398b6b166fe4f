package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pinmap/locsync/pkg/core"
)

// DefaultThreshold is the number of consecutive failed snapshots, with the
// subscription down, after which connectivity is reported lost.
const DefaultThreshold = 3

// Health tracks connectivity from snapshot outcomes and subscription
// status. Each method returns the signal to emit, if any.
type Health struct {
	mu         sync.Mutex
	threshold  int
	failures   int
	subscribed bool
	lost       bool
}

// NewHealth creates a tracker; threshold <= 0 uses DefaultThreshold.
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Health{threshold: threshold}
}

// SnapshotFailed records a failed snapshot fetch.
func (h *Health) SnapshotFailed() (core.SignalKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	return h.checkLostLocked()
}

// SnapshotSucceeded records a successful snapshot fetch.
func (h *Health) SnapshotSucceeded() (core.SignalKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	return h.restoreLocked()
}

// SubscriptionStatus records the push subscription going up or down.
func (h *Health) SubscriptionStatus(connected bool) (core.SignalKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribed = connected
	if connected {
		return h.restoreLocked()
	}
	return h.checkLostLocked()
}

func (h *Health) checkLostLocked() (core.SignalKind, bool) {
	if h.lost || h.subscribed || h.failures < h.threshold {
		return 0, false
	}
	h.lost = true
	return core.SignalConnectivityLost, true
}

func (h *Health) restoreLocked() (core.SignalKind, bool) {
	if !h.lost {
		return 0, false
	}
	h.lost = false
	return core.SignalConnectivityRestored, true
}

// Snapshot returns the tracker's current view.
func (h *Health) Snapshot() (failures int, subscribed, lost bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures, h.subscribed, h.lost
}

// Status is one line of the status file.
type Status struct {
	Time       time.Time   `json:"time"`
	Viewer     core.PeerID `json:"viewer"`
	Ghost      bool        `json:"ghost"`
	Peers      int         `json:"peers"`
	Visible    int         `json:"visible"`
	Markers    int         `json:"markers"`
	Subscribed bool        `json:"subscribed"`
	Failures   int         `json:"snapshot_failures"`
	Lost       bool        `json:"connectivity_lost"`
}

// Dependencies holds all dependencies for the status reporter
type Dependencies struct {
	Path     string
	Interval time.Duration
	// Status is called every Interval; an error skips that write.
	Status func(ctx context.Context) (Status, error)
	Logger *slog.Logger
}

// Service periodically writes the sync status as JSON to a file.
type Service struct {
	deps Dependencies
}

// NewService creates a new status reporter
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// Run writes the status file until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := s.deps.Status(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.deps.Logger.Debug("Status unavailable", "error", err)
				}
				continue
			}
			if err := WriteStatus(s.deps.Path, st); err != nil {
				s.deps.Logger.Error("Error writing status file", "error", err)
			}
		}
	}
}

// WriteStatus replaces the file at path with st as indented JSON.
func WriteStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return os.Rename(tmp, path)
}
