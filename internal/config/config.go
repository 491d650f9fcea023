// Package config loads server configuration from an optional TOML file with
// environment variable overrides. Environment always wins, so container
// deployments can run without a file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all tunables for a realtime server instance.
type Config struct {
	ListenAddr     string   `toml:"listen_addr"`
	InstanceName   string   `toml:"instance_name"`
	MaxConnections int      `toml:"max_connections"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`

	NATSURL     string `toml:"nats_url"`
	RedisAddr   string `toml:"redis_addr"`
	DatabaseURL string `toml:"database_url"`
	JWTSecret   string `toml:"jwt_secret"`
}

// Default returns the baseline configuration.
func Default() Config {
	instance, _ := os.Hostname()
	if instance == "" {
		instance = "realtime-1"
	}
	return Config{
		ListenAddr:     ":8080",
		InstanceName:   instance,
		MaxConnections: 100000,
		ReadTimeout:    Duration{10 * time.Second},
		WriteTimeout:   Duration{10 * time.Second},
		NATSURL:        "nats://localhost:4222",
		RedisAddr:      "localhost:6379",
		DatabaseURL:    "postgres://localhost:5432/realtime?sslmode=disable",
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("INSTANCE_NAME"); v != "" {
		cfg.InstanceName = v
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReadTimeout = Duration{d}
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WriteTimeout = Duration{d}
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
}
