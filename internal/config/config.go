package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG"`

	// Store is one of sqlite, postgres or memory.
	Store       string `env:"STORE" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"tickflow.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Index is one of memory or redis.
	Index         string `env:"INDEX" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"tickflow"`

	Tick         time.Duration  `env:"TICK" envDefault:"1s"`
	Batch        int            `env:"BATCH" envDefault:"256"`
	GlobalLimit  int            `env:"GLOBAL_LIMIT" envDefault:"10"`
	TenantLimit  int            `env:"TENANT_LIMIT" envDefault:"0"`
	TenantLimits map[string]int `env:"TENANT_LIMITS" envSeparator:"," envKeyValSeparator:":"`

	ExecTimeout    time.Duration `env:"EXEC_TIMEOUT" envDefault:"30s"`
	DefaultKind    string        `env:"DEFAULT_KIND" envDefault:"log"`
	PublishChannel string        `env:"PUBLISH_CHANNEL" envDefault:"tickflow:delivered"`

	SubmitRate  float64 `env:"SUBMIT_RATE" envDefault:"0"`
	SubmitBurst int     `env:"SUBMIT_BURST" envDefault:"0"`
}

// Load reads TICKFLOW_* environment variables.
func Load() (Config, error) {
	c, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "TICKFLOW_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("TICKFLOW_POSTGRES_DSN is required when TICKFLOW_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown store %q (use sqlite, postgres or memory)", c.Store)
	}
	switch c.Index {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown index %q (use memory or redis)", c.Index)
	}
	if c.GlobalLimit <= 0 {
		return fmt.Errorf("global limit must be positive, got %d", c.GlobalLimit)
	}
	if c.TenantLimit < 0 {
		return fmt.Errorf("tenant limit must not be negative, got %d", c.TenantLimit)
	}
	for tenant, n := range c.TenantLimits {
		if n < 0 {
			return fmt.Errorf("limit for tenant %q must not be negative, got %d", tenant, n)
		}
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	return nil
}
