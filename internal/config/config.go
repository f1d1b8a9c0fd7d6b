// Package config loads service settings from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fairdraw/internal/commitment"
	"fairdraw/internal/derive"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Lock   LockConfig   `yaml:"lock"`
	Draw   DrawConfig   `yaml:"draw"`
	Admin  AdminConfig  `yaml:"admin"`
	Sweep  SweepConfig  `yaml:"sweep"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr" env:"FAIRDRAW_ADDR"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"FAIRDRAW_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"FAIRDRAW_WRITE_TIMEOUT"`
	PurchaseRPS   float64       `yaml:"purchase_rps" env:"FAIRDRAW_PURCHASE_RPS"`
	PurchaseBurst int           `yaml:"purchase_burst" env:"FAIRDRAW_PURCHASE_BURST"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" env:"FAIRDRAW_STORE"`
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"FAIRDRAW_AUTO_MIGRATE"`
}

type LockConfig struct {
	Driver   string        `yaml:"driver" env:"FAIRDRAW_LOCK"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"FAIRDRAW_LOCK_TTL"`
}

type DrawConfig struct {
	SeedBytes int `yaml:"seed_bytes" env:"FAIRDRAW_SEED_BYTES"`
	StepCap   int `yaml:"position_step_cap" env:"FAIRDRAW_POSITION_STEP_CAP"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"FAIRDRAW_JWT_SECRET"`
}

// SweepConfig drives the background job that reveals and archives
// finished products.
type SweepConfig struct {
	Schedule     string        `yaml:"schedule" env:"FAIRDRAW_SWEEP_SCHEDULE"`
	AutoReveal   bool          `yaml:"auto_reveal" env:"FAIRDRAW_AUTO_REVEAL"`
	ArchiveAfter time.Duration `yaml:"archive_after" env:"FAIRDRAW_ARCHIVE_AFTER"`
}

type LogConfig struct {
	Verbose bool   `yaml:"verbose" env:"FAIRDRAW_LOG_VERBOSE"`
	File    string `yaml:"file" env:"FAIRDRAW_LOG_FILE"`
}

// DefaultConfig is a single-process setup with in-memory storage.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			PurchaseRPS:   5,
			PurchaseBurst: 10,
		},
		Store: StoreConfig{Driver: "memory"},
		Lock:  LockConfig{Driver: "mutex", TTL: 10 * time.Second},
		Draw:  DrawConfig{SeedBytes: commitment.DefaultSeedBytes, StepCap: derive.DefaultStepCap},
		Sweep: SweepConfig{Schedule: "@every 1m", AutoReveal: true, ArchiveAfter: 30 * 24 * time.Hour},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then a .env file, then environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "mutex":
	case "redis":
		if c.Lock.RedisURL == "" {
			return errors.New("lock: redis requires redis_url")
		}
	default:
		return fmt.Errorf("lock: unknown driver %q", c.Lock.Driver)
	}
	if c.Draw.SeedBytes < commitment.MinSeedBytes {
		return fmt.Errorf("draw: seed_bytes must be at least %d", commitment.MinSeedBytes)
	}
	if c.Draw.StepCap <= 0 {
		return errors.New("draw: position_step_cap must be positive")
	}
	if limit := derive.MaxSteps(c.Draw.SeedBytes); c.Draw.StepCap > limit {
		return fmt.Errorf("draw: position_step_cap %d exceeds the %d steps a %d-byte seed can feed", c.Draw.StepCap, limit, c.Draw.SeedBytes)
	}
	if c.Server.PurchaseRPS < 0 || c.Server.PurchaseBurst < 0 {
		return errors.New("server: purchase rate limits must not be negative")
	}
	return nil
}
