package parser

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// MalformedEventError reports a change record that cannot be decoded.
// The event is dropped; it never stops the feed.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: field %q: %s", e.Field, e.Reason)
}

func malformed(field, format string, args ...any) error {
	return &MalformedEventError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Parser converts raw change-feed records into domain values.
// It has zero external dependencies beyond a logger.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new parser with only a logger dependency
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Record values come from JSON (float64, string, bool) or from the REST API
// where numbers are sometimes quoted. The helpers below accept both.

func requireString(rec map[string]any, field string) (string, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return "", malformed(field, "missing")
	}
	switch s := v.(type) {
	case string:
		if strings.TrimSpace(s) == "" {
			return "", malformed(field, "empty")
		}
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case json.Number:
		return s.String(), nil
	default:
		return "", malformed(field, "unexpected type %T", v)
	}
}

func optionalString(rec map[string]any, field string) string {
	if s, ok := rec[field].(string); ok {
		return s
	}
	return ""
}

// parseFloat accepts float64, json.Number, int and numeric strings.
func parseFloat(rec map[string]any, field string) (float64, bool, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return 0, false, nil
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, true, malformed(field, "not a number: %q", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, true, malformed(field, "not a number: %q", n)
		}
		f = parsed
	default:
		return 0, true, malformed(field, "unexpected type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, malformed(field, "not finite")
	}
	return f, true, nil
}

// parseBool accepts bools, "true"/"false"/"t"/"f"/"1"/"0" and 0/1.
// Absent values yield def.
func parseBool(rec map[string]any, field string, def bool) (bool, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return def, malformed(field, "not a boolean: %q", b)
		}
		return parsed, nil
	default:
		return def, malformed(field, "unexpected type %T", v)
	}
}

// timestampLayouts are tried in order for string timestamps. Postgres emits
// the space-separated form without a zone letter.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// parseTimestamp accepts RFC3339/Postgres strings and unix seconds or
// milliseconds. Absent values yield the zero time.
func parseTimestamp(rec map[string]any, field string) (time.Time, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return fromUnix(f), nil
		}
		return time.Time{}, malformed(field, "unrecognized timestamp %q", t)
	case float64:
		return fromUnix(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, malformed(field, "unrecognized timestamp %q", t.String())
		}
		return fromUnix(f), nil
	default:
		return time.Time{}, malformed(field, "unexpected type %T", v)
	}
}

// fromUnix treats values past year 33658 in seconds as milliseconds.
func fromUnix(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
