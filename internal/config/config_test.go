package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.Server.BindAddr, ":8080")
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("Store.Driver = %q, want memory when nothing is configured", cfg.Store.Driver)
	}
	if cfg.Remote.RetryAttempts != 3 || cfg.Remote.RetryDelay != 2*time.Second || cfg.Remote.MaxRetryDelay != 4*time.Second {
		t.Fatalf("remote retry = %d/%v/%v, want 3/2s/4s", cfg.Remote.RetryAttempts, cfg.Remote.RetryDelay, cfg.Remote.MaxRetryDelay)
	}
	if cfg.Webhook.HealthTimeout != 8*time.Second {
		t.Fatalf("HealthTimeout = %v, want 8s", cfg.Webhook.HealthTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("WEBHOOK_HEALTH_TIMEOUT", "6s")
	t.Setenv("DATABASE_URL", "postgres://localhost/console")
	t.Setenv("APP_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want explicit value", cfg.Server.BindAddr)
	}
	if cfg.Webhook.HealthTimeout != 6*time.Second {
		t.Fatalf("HealthTimeout = %v, want 6s", cfg.Webhook.HealthTimeout)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("Store.Driver = %q, want postgres when DATABASE_URL is set", cfg.Store.Driver)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.Server.CORSOrigins, want) {
		t.Fatalf("CORSOrigins = %q, want %q", cfg.Server.CORSOrigins, want)
	}
}

func TestEnvTransformSplitsListKeys(t *testing.T) {
	path, value := envTransform("APP_CORS_ORIGINS", " https://a.example ,,https://b.example ")
	if path != "server.cors_origins" {
		t.Fatalf("path = %q, want server.cors_origins", path)
	}
	if !reflect.DeepEqual(value, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("value = %#v, want two origins", value)
	}
	if path, _ := envTransform("APP_CORS_ORIGINS", " , "); path != "" {
		t.Fatalf("blank list should be dropped, got path %q", path)
	}
	if _, value := envTransform("APP_BIND_ADDR", ":9000"); value != ":9000" {
		t.Fatalf("scalar value = %#v, want :9000", value)
	}
}

func TestLoadRejectsHealthTimeoutOutOfRange(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("WEBHOOK_HEALTH_TIMEOUT", "30s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for 30s health timeout")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STORE_DRIVER", "mongo")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for unknown driver")
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "console.yaml")
	body := "reports:\n  page_size: 25\nstore:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "c.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Reports.PageSize != 25 {
		t.Fatalf("PageSize = %d, want 25", cfg.Reports.PageSize)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	for key := range envMappings {
		t.Setenv(key, "")
	}
}
