package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr: expected :8080, got %q", cfg.ListenAddr)
	}
	if cfg.ReadTimeout.Duration != 10*time.Second {
		t.Errorf("read_timeout: expected 10s, got %s", cfg.ReadTimeout.Duration)
	}
	if cfg.InstanceName == "" {
		t.Error("instance_name should never be empty")
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realtime.toml")
	content := `
listen_addr = ":9090"
max_connections = 500
read_timeout = "5s"
nats_url = "nats://nats-1:4222"
jwt_secret = "from-file"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr: expected :9090, got %q", cfg.ListenAddr)
	}
	if cfg.MaxConnections != 500 {
		t.Errorf("max_connections: expected 500, got %d", cfg.MaxConnections)
	}
	if cfg.ReadTimeout.Duration != 5*time.Second {
		t.Errorf("read_timeout: expected 5s, got %s", cfg.ReadTimeout.Duration)
	}
	if cfg.NATSURL != "nats://nats-1:4222" {
		t.Errorf("nats_url: expected nats://nats-1:4222, got %q", cfg.NATSURL)
	}
	// File values must not clobber untouched defaults.
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr default lost: %q", cfg.RedisAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realtime.toml")
	if err := os.WriteFile(path, []byte(`listen_addr = ":9090"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("MAX_CONNECTIONS", "42")
	t.Setenv("WRITE_TIMEOUT", "3s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should win over file, got %q", cfg.ListenAddr)
	}
	if cfg.MaxConnections != 42 {
		t.Errorf("max_connections: expected 42, got %d", cfg.MaxConnections)
	}
	if cfg.WriteTimeout.Duration != 3*time.Second {
		t.Errorf("write_timeout: expected 3s, got %s", cfg.WriteTimeout.Duration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("listen_addr = ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}
