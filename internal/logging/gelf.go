package logging

import (
	"fmt"
	"io"

	"github.com/Graylog2/go-gelf/gelf"
)

// GELFSink is a Graylog UDP writer usable with WithGELF.
type GELFSink interface {
	io.Writer
	Close() error
}

// NewGELFSink dials the Graylog input at addr (host:port).
func NewGELFSink(addr, facility string) (GELFSink, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create GELF writer for %s: %w", addr, err)
	}
	if facility != "" {
		w.Facility = facility
	}
	return w, nil
}
