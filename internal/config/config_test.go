package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Type != "file" {
		t.Errorf("expected file storage, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.Path != "config/iplogger/IpLoggerData.json" {
		t.Errorf("unexpected storage path %s", cfg.Storage.Path)
	}
	if cfg.Geolocation.Provider != "http" {
		t.Errorf("expected http provider, got %s", cfg.Geolocation.Provider)
	}
	if cfg.Geolocation.RateLimit != 45 {
		t.Errorf("expected rate limit 45, got %d", cfg.Geolocation.RateLimit)
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics to be disabled by default")
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "iplogger")); err != nil {
		t.Errorf("expected storage directory to be created: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  type: bolt
  path: ` + filepath.Join(dir, "data", "iplog.bolt") + `
geolocation:
  provider: none
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %s", cfg.Storage.Type)
	}
	if cfg.Geolocation.Provider != "none" {
		t.Errorf("expected provider none, got %s", cfg.Geolocation.Provider)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("IPLOG_GEOLOCATION_PROVIDER", "none")
	t.Setenv("IPLOG_STORAGE_PATH", filepath.Join(dir, "env", "data.json"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Geolocation.Provider != "none" {
		t.Errorf("expected env override for provider, got %s", cfg.Geolocation.Provider)
	}
	if cfg.Storage.Path != filepath.Join(dir, "env", "data.json") {
		t.Errorf("expected env override for path, got %s", cfg.Storage.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mysql" }, "unsupported storage type"},
		{"file without path", func(c *Config) { c.Storage.Path = "" }, "storage path is required"},
		{"redis without key", func(c *Config) { c.Storage.Type = "redis"; c.Storage.Redis.Key = "" }, "storage.redis.key"},
		{"unknown provider", func(c *Config) { c.Geolocation.Provider = "dns" }, "unsupported geolocation provider"},
		{"endpoint without placeholder", func(c *Config) { c.Geolocation.Endpoint = "http://example.com" }, "must contain"},
		{"bad timeout", func(c *Config) { c.Geolocation.Timeout = "soon" }, "geolocation.timeout"},
		{"follow without file", func(c *Config) { c.Follow.Enabled = true; c.Follow.LogFile = "" }, "follow.log_file"},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "invalid metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()

	return &Config{
		Storage: StorageConfig{
			Type: "file",
			Path: filepath.Join(t.TempDir(), "IpLoggerData.json"),
			Redis: RedisConfig{
				Host: "localhost",
				Key:  "iplog:history",
			},
		},
		Geolocation: GeolocationConfig{
			Provider: "http",
			Endpoint: "http://ip-api.com/json/%s",
			Timeout:  "5s",
			CacheTTL: "1h",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Port: 9310},
	}
}
