package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Engine.TickSchedule != "@every 1m" {
		t.Fatalf("tick schedule = %q", cfg.Engine.TickSchedule)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
server:
  address: ":9090"
engine:
  tick_schedule: "@every 5m"
  batch_size: 40
  send_timeout: 10s
auth:
  jwt_secret: file-secret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("ENGINE_BATCH_SIZE", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if cfg.Engine.TickSchedule != "@every 5m" {
		t.Fatalf("tick schedule = %q", cfg.Engine.TickSchedule)
	}
	if cfg.Engine.SendTimeout != 10*time.Second {
		t.Fatalf("send timeout = %s", cfg.Engine.SendTimeout)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("jwt secret = %q, want env override", cfg.Auth.JWTSecret)
	}
	if cfg.Engine.BatchSize != 25 {
		t.Fatalf("batch size = %d, want env override", cfg.Engine.BatchSize)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
