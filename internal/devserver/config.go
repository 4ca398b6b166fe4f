package devserver

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "LOCSYNC_DEV_"

// Config holds the dev backend settings.
type Config struct {
	Addr      string        `env:"ADDR" envDefault:":8099"`
	DBPath    string        `env:"DB_PATH"` // in-memory SQLite when empty
	JWTSecret string        `env:"JWT_SECRET" envDefault:"locsync-dev-secret"`
	APIKey    string        `env:"API_KEY"` // no api key check when empty
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"info"`

	// Seed lists display names of demo users created at startup. Every
	// seeded user is a friend of every other one.
	Seed []string `env:"SEED" envSeparator:","`
}

// LoadConfig reads the config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
