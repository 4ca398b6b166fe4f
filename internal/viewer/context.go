package viewer

import (
	"log/slog"
	"sync"

	"github.com/pinmap/locsync/pkg/core"
)

// Context holds the local user's session state. The orchestrator writes
// it; loggers and status reporters read it.
type Context struct {
	mu      sync.RWMutex
	id      core.PeerID
	ghost   bool
	lastFix *core.LocationFix
}

// NewContext creates a Context with no signed-in user
func NewContext() *Context {
	return &Context{}
}

// SetID sets the local user's id
func (c *Context) SetID(id core.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// ID returns the local user's id
func (c *Context) ID() core.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// SetGhost records the ghost-mode flag and reports whether it changed.
func (c *Context) SetGhost(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.ghost != on
	c.ghost = on
	return changed
}

// Ghost reports whether the local user is hidden from friends.
func (c *Context) Ghost() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ghost
}

// SetFix stores the latest sensor reading.
func (c *Context) SetFix(fix core.LocationFix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFix = &fix
}

// LastFix returns the latest sensor reading, if any.
func (c *Context) LastFix() (core.LocationFix, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFix == nil {
		return core.LocationFix{}, false
	}
	return *c.lastFix, true
}

// Record builds the location row for the latest fix with the current
// visibility. It reports false before the first fix.
func (c *Context) Record() (core.LocationRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastFix == nil || c.id == "" {
		return core.LocationRecord{}, false
	}
	return core.LocationRecord{
		UserID:    c.id,
		Position:  c.lastFix.Position,
		Accuracy:  c.lastFix.Accuracy,
		Visible:   !c.ghost,
		UpdatedAt: c.lastFix.At,
	}, true
}

// LogAttrs returns the attributes stamped on every log record.
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == "" {
		return nil
	}
	return []slog.Attr{
		slog.String("viewer", string(c.id)),
		slog.Bool("ghost", c.ghost),
	}
}
