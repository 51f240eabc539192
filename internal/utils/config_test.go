package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFrom_Valid(t *testing.T) {
	p := writeConfig(t, `env: production
server:
  port: ":9000"
capture:
  timeout_secs: 30
  default_width: 800
upload:
  max_file_bytes: 1048576
`)
	cfg := LoadFrom(p)
	if !cfg.IsProduction() {
		t.Fatalf("expected production env")
	}
	if cfg.Server.Port != ":9000" {
		t.Fatalf("unexpected port: %q", cfg.Server.Port)
	}
	if cfg.Capture.TimeoutSecs != 30 {
		t.Fatalf("unexpected timeout: %d", cfg.Capture.TimeoutSecs)
	}
	if cfg.Capture.DefaultWidth != 800 {
		t.Fatalf("unexpected width: %d", cfg.Capture.DefaultWidth)
	}
	if cfg.Upload.MaxFileBytes != 1048576 {
		t.Fatalf("unexpected upload cap: %d", cfg.Upload.MaxFileBytes)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Capture.TimeoutSecs != 120 {
		t.Fatalf("expected default timeout 120, got %d", cfg.Capture.TimeoutSecs)
	}
	if cfg.Capture.DefaultWidth != 1200 || cfg.Capture.DefaultHeight != 800 {
		t.Fatalf("expected default viewport 1200x800, got %dx%d", cfg.Capture.DefaultWidth, cfg.Capture.DefaultHeight)
	}
	if cfg.Capture.DefaultScale != 2 {
		t.Fatalf("expected default scale 2, got %v", cfg.Capture.DefaultScale)
	}
	if cfg.Upload.MaxFileBytes != 10*1024*1024 {
		t.Fatalf("expected default upload cap 10MB, got %d", cfg.Upload.MaxFileBytes)
	}
	if len(cfg.Fonts.AllowedHosts) == 0 {
		t.Fatalf("expected default font host allow-list")
	}
	if cfg.Fonts.InlineDisabled {
		t.Fatalf("expected font inlining on by default")
	}
	if cfg.Fonts.TimeoutMillis != 3000 {
		t.Fatalf("expected default font fetch timeout 3000ms, got %d", cfg.Fonts.TimeoutMillis)
	}
}

func TestLoadFrom_ParsesRateLimiterInterval(t *testing.T) {
	p := writeConfig(t, `rate_limiter:
  interval: 90s
  user_limit: 5
  enable_user_limiter: true
`)
	cfg := LoadFrom(p)
	if cfg.RateLimiter.Interval != 90*time.Second {
		t.Fatalf("unexpected interval: %v", cfg.RateLimiter.Interval)
	}
	if cfg.RateLimiter.UserLimit != 5 || !cfg.RateLimiter.EnableUserLimiter {
		t.Fatalf("unexpected limiter config: %+v", cfg.RateLimiter)
	}
}

func TestLoadFrom_PanicsOnInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{name: "negative user limit", yml: "rate_limiter:\n  user_limit: -1\n"},
		{name: "bad scale", yml: "capture:\n  default_scale: 9\n"},
		{name: "auth without postgres", yml: "auth:\n  enabled: true\n"},
		{name: "broken yaml", yml: "server: [not a map\n"},
		{name: "bad interval", yml: "rate_limiter:\n  interval: soon\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeConfig(t, tc.yml)
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			_ = LoadFrom(p)
		})
	}
}

func TestLoadConfig_UsesConfigPathEnv(t *testing.T) {
	p := writeConfig(t, `server:
  port: ":7777"
`)
	t.Setenv("CONFIG_PATH", p)
	cfg := LoadConfig()
	if cfg.Server.Port != ":7777" {
		t.Fatalf("expected CONFIG_PATH to be used, got port %q", cfg.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	p := writeConfig(t, `server:
  port: ":9000"
env: development
`)
	t.Setenv("PORT", "8123")
	t.Setenv("APP_ENV", "production")
	cfg := LoadFrom(p)
	if cfg.Server.Port != ":8123" {
		t.Fatalf("expected PORT override, got %q", cfg.Server.Port)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected APP_ENV override to production")
	}
}
