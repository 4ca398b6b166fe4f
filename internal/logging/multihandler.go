package logging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// MultiHandler writes every record to the console or log file, the GELF
// sink and the OTel bridge at once. A sink that fails does not keep the
// record from the others; its failures are counted instead.
type MultiHandler struct {
	sinks   []slog.Handler
	dropped *atomic.Int64
}

// NewMultiHandler combines sinks, skipping nil ones.
func NewMultiHandler(sinks ...slog.Handler) *MultiHandler {
	m := &MultiHandler{dropped: new(atomic.Int64)}
	for _, h := range sinks {
		if h != nil {
			m.sinks = append(m.sinks, h)
		}
	}
	return m
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.sinks {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle returns the joined sink errors after every sink had its turn.
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.sinks {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			m.dropped.Add(1)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dropped returns how many sink writes failed, across derived handlers.
func (m *MultiHandler) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	sinks := make([]slog.Handler, len(m.sinks))
	for i, h := range m.sinks {
		sinks[i] = fn(h)
	}
	return &MultiHandler{sinks: sinks, dropped: m.dropped}
}
