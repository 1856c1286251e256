package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configKeys = []string{
	"PORT", "SHUTDOWN_TIMEOUT", "GRPC_ADDR", "LOG_LEVEL",
	"ENGINE_COMMAND", "ENGINE_SCRIPT", "ENGINE_TIMEOUT", "ENGINE_MAX_CONCURRENCY",
	"UPLOAD_DIR", "UPLOAD_MAX_BYTES", "UPLOAD_RETAIN",
	"DATABASE_DSN", "REDIS_ADDR", "JWT_SECRET", "JWT_AUDIENCE",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "5000" {
		t.Fatalf("expected default port 5000, got %q", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Fatalf("expected 15s shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Engine.Command != "python3" || cfg.Engine.Script != "ml/classify.py" {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.Timeout != 60*time.Second {
		t.Fatalf("expected 60s engine timeout, got %v", cfg.Engine.Timeout)
	}
	if cfg.Engine.MaxConcurrency != 4 {
		t.Fatalf("expected max concurrency 4, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Upload.Dir != "uploads" || cfg.Upload.MaxBytes != 10<<20 || cfg.Upload.Retain {
		t.Fatalf("unexpected upload defaults: %+v", cfg.Upload)
	}
	if cfg.Storage.DatabaseDSN != "" || cfg.Auth.Secret != "" || cfg.Server.GRPCAddr != "" || cfg.Storage.RedisAddr != "" {
		t.Fatal("expected optional backends to be disabled")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected info log level, got %q", cfg.LogLevel)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("ENGINE_COMMAND", "/opt/engine/bin/classify")
	t.Setenv("ENGINE_TIMEOUT", "90s")
	t.Setenv("ENGINE_MAX_CONCURRENCY", "2")
	t.Setenv("UPLOAD_MAX_BYTES", "1048576")
	t.Setenv("UPLOAD_RETAIN", "true")
	t.Setenv("DATABASE_DSN", "host=db")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Fatalf("expected port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Engine.Command != "/opt/engine/bin/classify" {
		t.Fatalf("unexpected command %q", cfg.Engine.Command)
	}
	if cfg.Engine.Timeout != 90*time.Second || cfg.Engine.MaxConcurrency != 2 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Upload.MaxBytes != 1<<20 || !cfg.Upload.Retain {
		t.Fatalf("unexpected upload config: %+v", cfg.Upload)
	}
	if cfg.Storage.DatabaseDSN != "host=db" || cfg.Auth.Secret != "s3cret" {
		t.Fatal("expected database and auth to be configured")
	}
}

func TestFromEnv_EmptyScriptMeansCommandIsEngine(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_SCRIPT", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Script != "" {
		t.Fatalf("expected empty script, got %q", cfg.Engine.Script)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGINE_TIMEOUT", "soon")
	t.Setenv("ENGINE_MAX_CONCURRENCY", "0")
	t.Setenv("UPLOAD_RETAIN", "maybe")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"ENGINE_TIMEOUT", "ENGINE_MAX_CONCURRENCY", "UPLOAD_RETAIN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=7000\nENGINE_COMMAND=classify-bin\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "7000" || cfg.Engine.Command != "classify-bin" {
		t.Fatalf("expected values from .env, got port=%q command=%q", cfg.Server.Port, cfg.Engine.Command)
	}
}

func TestLoad_EnvironmentWinsOverDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=7000\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Fatalf("expected environment to win, got %q", cfg.Server.Port)
	}
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())

	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
