package parser

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser(slog.Default())
}

func TestNewParser_NilLogger(t *testing.T) {
	p := NewParser(nil)
	require.NotNil(t, p)
	assert.NotNil(t, p.logger)
}

func TestMalformedEventError(t *testing.T) {
	err := malformed("latitude", "not a number: %q", "abc")

	var me *MalformedEventError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "latitude", me.Field)
	assert.Equal(t, `malformed event: field "latitude": not a number: "abc"`, err.Error())
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    float64
		present bool
		wantErr bool
	}{
		{"float", 12.5, 12.5, true, false},
		{"int", 7, 7, true, false},
		{"quoted", "12.5", 12.5, true, false},
		{"quoted with spaces", " -3 ", -3, true, false},
		{"json number", json.Number("4.25"), 4.25, true, false},
		{"nil", nil, 0, false, false},
		{"garbage", "abc", 0, true, true},
		{"bool", true, 0, true, true},
		{"nan string", "NaN", 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, present, err := parseFloat(map[string]any{"v": tt.value}, "v")
			assert.Equal(t, tt.present, present)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		def     bool
		want    bool
		wantErr bool
	}{
		{"true", true, false, true, false},
		{"false", false, true, false, false},
		{"string t", "t", false, true, false},
		{"string false", "false", true, false, false},
		{"one", float64(1), false, true, false},
		{"zero", float64(0), true, false, false},
		{"absent uses default", nil, true, true, false},
		{"garbage", "maybe", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBool(map[string]any{"v": tt.value}, "v", tt.def)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value any
		want  time.Time
	}{
		{"rfc3339", "2026-05-04T10:30:00Z", want},
		{"rfc3339 offset", "2026-05-04T12:30:00+02:00", want},
		{"postgres", "2026-05-04 10:30:00+00", want},
		{"postgres micros", "2026-05-04 10:30:00.000000+00:00", want},
		{"unix seconds", float64(want.Unix()), want},
		{"unix millis", float64(want.UnixMilli()), want},
		{"unix string", "1777890600", want},
		{"absent", nil, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(map[string]any{"v": tt.value}, "v")
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	_, err := parseTimestamp(map[string]any{"v": "yesterday"}, "v")
	var me *MalformedEventError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "v", me.Field)
}
