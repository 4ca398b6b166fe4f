package devserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		filter  string
		want    condition
		wantErr bool
	}{
		{filter: "", want: condition{}},
		{filter: "user_id=eq.ana", want: condition{column: "user_id", op: "eq", values: []string{"ana"}}},
		{filter: "user_id=in.(ana,bo)", want: condition{column: "user_id", op: "in", values: []string{"ana", "bo"}}},
		{filter: "user_id=in.()", want: condition{column: "user_id", op: "in"}},
		{filter: "latitude=gte.1.5", want: condition{column: "latitude", op: "gte", values: []string{"1.5"}}},
		{filter: "user_id", wantErr: true},
		{filter: "=eq.x", wantErr: true},
		{filter: "user_id=ana", wantErr: true},
		{filter: "user_id=in.ana", wantErr: true},
		{filter: "user_id=like.a%", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, err := parseFilter(tt.filter)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_Matches(t *testing.T) {
	in, err := parseFilter("user_id=in.(ana,bo)")
	require.NoError(t, err)
	assert.True(t, in.matches(map[string]any{"user_id": "bo"}))
	assert.False(t, in.matches(map[string]any{"user_id": "cy"}))
	assert.False(t, in.matches(map[string]any{"id": "bo"}))

	visible, err := parseFilter("is_visible=eq.true")
	require.NoError(t, err)
	assert.True(t, visible.matches(map[string]any{"is_visible": true}))

	assert.True(t, condition{}.matches(nil))
}

func TestOrderClause(t *testing.T) {
	locations := tables["locations"]
	got, err := locations.orderClause("updated_at.desc,user_id")
	require.NoError(t, err)
	assert.Equal(t, "updated_at DESC, user_id ASC", got)

	_, err = locations.orderClause("point.asc")
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvPrefix+"ADDR", ":9000")
	t.Setenv(EnvPrefix+"SEED", "Ana,Bo")
	t.Setenv(EnvPrefix+"TOKEN_TTL", "1h")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"Ana", "Bo"}, cfg.Seed)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, "locsync-dev-secret", cfg.JWTSecret)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv(EnvPrefix+"TOKEN_TTL", "soon")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "parse env")
}
