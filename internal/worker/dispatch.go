package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/pinmap/locsync/internal/dispatcher"
	"github.com/pinmap/locsync/internal/parser"
	"github.com/pinmap/locsync/pkg/streaming"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterHandlers registers all change handlers with the dispatcher.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// Location changes - sync, receipt order matters per peer
	d.Register(dispatcher.Key(streaming.TableLocations, streaming.EventInsert), m.handleLocationChange, dispatcher.Logged())
	d.Register(dispatcher.Key(streaming.TableLocations, streaming.EventUpdate), m.handleLocationChange, dispatcher.Logged())
	d.Register(dispatcher.Key(streaming.TableLocations, streaming.EventDelete), m.handleLocationDelete, dispatcher.Logged())

	// Profile edits - buffered, only display metadata
	d.Register(dispatcher.Key(streaming.TableProfiles, streaming.EventInsert), m.handleProfileChange, dispatcher.Buffered(64), dispatcher.Logged())
	d.Register(dispatcher.Key(streaming.TableProfiles, streaming.EventUpdate), m.handleProfileChange, dispatcher.Buffered(64), dispatcher.Logged())
}

func (m *Manager) handleLocationChange(e dispatcher.Event) error {
	upd, err := m.deps.Parser.ParsePeerUpdate(e.Record)
	if err != nil {
		return m.dropMalformed(e, err)
	}
	if !m.accepts(upd.ID) {
		m.ignore(e)
		return nil
	}

	// Hidden rows are updates too, so their version is checked like any other.
	if m.deps.Sink.OnUpdate != nil {
		m.deps.Sink.OnUpdate(upd)
	}
	return nil
}

func (m *Manager) handleLocationDelete(e dispatcher.Event) error {
	rec := e.OldRecord
	if rec == nil {
		rec = e.Record
	}
	id, at, err := m.deps.Parser.ParseLocationDelete(rec)
	if err != nil {
		return m.dropMalformed(e, err)
	}
	if !m.accepts(id) {
		m.ignore(e)
		return nil
	}
	if m.deps.Sink.OnVisibilityLost != nil {
		m.deps.Sink.OnVisibilityLost(id, at)
	}
	return nil
}

func (m *Manager) handleProfileChange(e dispatcher.Event) error {
	p, err := m.deps.Parser.ParseProfileRecord(e.Record)
	if err != nil {
		return m.dropMalformed(e, err)
	}
	if !m.accepts(p.ID) {
		m.ignore(e)
		return nil
	}
	if m.deps.Sink.OnProfile != nil {
		m.deps.Sink.OnProfile(p)
	}
	return nil
}

func (m *Manager) dropMalformed(e dispatcher.Event, err error) error {
	m.malformed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", e.Key())))
	var me *parser.MalformedEventError
	if errors.As(err, &me) {
		m.log.Warn("Dropping malformed change event", "key", e.Key(), "field", me.Field, "reason", me.Reason)
	}
	return fmt.Errorf("failed to decode %s: %w", e.Key(), err)
}

func (m *Manager) ignore(e dispatcher.Event) {
	m.ignored.Add(context.Background(), 1, metric.WithAttributes(attribute.String("key", e.Key())))
}
