// Package config loads the engine configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Rate     RateConfig     `yaml:"rate_limit"`
}

type ServerConfig struct {
	Address     string   `yaml:"address"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// DSN selects Postgres; empty falls back to the in-memory store.
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type EngineConfig struct {
	// TickSchedule is a cron expression for the periodic pass.
	TickSchedule string        `yaml:"tick_schedule"`
	BatchSize    int           `yaml:"batch_size"`
	EnrollLimit  int           `yaml:"enroll_limit"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

type RateConfig struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Address: ":8080"},
		Engine: EngineConfig{
			TickSchedule: "@every 1m",
			SendTimeout:  30 * time.Second,
		},
		Rate: RateConfig{PerSecond: 10, Burst: 20},
	}
}

// Load reads the YAML file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus environment only.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Engine.TickSchedule == "" {
		return fmt.Errorf("engine.tick_schedule is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ENGINE_TICK_SCHEDULE"); v != "" {
		cfg.Engine.TickSchedule = v
	}
	if v := os.Getenv("ENGINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.BatchSize = n
		}
	}
	if v := os.Getenv("ENGINE_ENROLL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.EnrollLimit = n
		}
	}
	if v := os.Getenv("ENGINE_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.SendTimeout = d
		}
	}
}
