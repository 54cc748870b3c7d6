// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries everything cmd/engine needs to wire the process.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// RedisAddr enables the scheduler leader lock when set; empty means a
	// single-process deployment with no lock.
	RedisAddr string `env:"REDIS_ADDR"`

	// KafkaBrokers enables the notification outbox relay when non-empty.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"notifications"`

	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	VerificationInterval time.Duration `env:"VERIFICATION_INTERVAL" envDefault:"30m"`
	RelayInterval        time.Duration `env:"RELAY_INTERVAL" envDefault:"15s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
