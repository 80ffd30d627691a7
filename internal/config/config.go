package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment configuration
type Config struct {
	Port             int           `env:"PORT" envDefault:"8080"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	Visibility       time.Duration `env:"VISIBILITY" envDefault:"30s"`
	Delay            time.Duration `env:"DELAY" envDefault:"0s"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"5"`
	DeadLetterSuffix string        `env:"DEAD_LETTER_SUFFIX" envDefault:""`
	PurgeInterval    time.Duration `env:"PURGE_INTERVAL" envDefault:"60s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DBConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"5s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Basic validation
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.Visibility <= 0 {
		return nil, fmt.Errorf("invalid VISIBILITY: %s", cfg.Visibility)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid MAX_RETRIES: %d", cfg.MaxRetries)
	}

	return cfg, nil
}
