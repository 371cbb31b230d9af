// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries everything the API process needs at startup. Fee policy is
// explicit configuration rather than ambient state so tests can swap it.
type Config struct {
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret         string        `env:"JWT_SECRET,required"`
	PlatformAccount   string        `env:"PLATFORM_ACCOUNT" envDefault:"platform"`
	MaxPlatformFeeBps int           `env:"MAX_PLATFORM_FEE_BPS" envDefault:"500"`
	OutboxWorkers     int           `env:"OUTBOX_WORKERS" envDefault:"2"`
	OutboxInterval    time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
