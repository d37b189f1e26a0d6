package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 5000 {
		t.Fatalf("expected default port 5000, got %d", cfg.HTTP.Port)
	}
	if cfg.Upload.MaxBytes != 200<<20 {
		t.Fatalf("expected 200MiB upload ceiling, got %d", cfg.Upload.MaxBytes)
	}
	if cfg.HTTP.CORSOrigin != "*" {
		t.Fatalf("expected wildcard origin, got %q", cfg.HTTP.CORSOrigin)
	}
}

func TestLegacyEnvNames(t *testing.T) {
	t.Setenv("PORT", "6001")
	t.Setenv("FRONTEND_ORIGIN", "https://app.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 6001 {
		t.Fatalf("expected PORT override, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.CORSOrigin != "https://app.example.com" {
		t.Fatalf("expected FRONTEND_ORIGIN override, got %q", cfg.HTTP.CORSOrigin)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("PORT", "6001")
	t.Setenv("LOQA_SCRIBE_HTTP_PORT", "7001")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7001 {
		t.Fatalf("expected prefixed override to win, got %d", cfg.HTTP.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_SCRIBE_UPLOAD_DIR", "/var/lib/scribe/uploads")
	t.Setenv("LOQA_SCRIBE_UPLOAD_MAX_BYTES", "1048576")
	t.Setenv("LOQA_SCRIBE_ENGINE_VENV_DIR", "/opt/whisper/venv")
	t.Setenv("LOQA_SCRIBE_ENGINE_PYTHON", "python3 -u")
	t.Setenv("LOQA_SCRIBE_ENGINE_TIMEOUT_MS", "1500")
	t.Setenv("LOQA_SCRIBE_ENGINE_MAX_OUTPUT_BYTES", "4096")
	t.Setenv("LOQA_SCRIBE_ENGINE_MAX_CONCURRENT", "8")
	t.Setenv("LOQA_SCRIBE_BUS_ENABLED", "true")
	t.Setenv("LOQA_SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Upload.Dir != "/var/lib/scribe/uploads" {
		t.Fatalf("expected upload dir override, got %q", cfg.Upload.Dir)
	}
	if cfg.Upload.MaxBytes != 1048576 {
		t.Fatalf("expected max bytes override, got %d", cfg.Upload.MaxBytes)
	}
	if cfg.Engine.VenvDir != "/opt/whisper/venv" || cfg.Engine.Python != "python3 -u" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.TimeoutMS != 1500 || cfg.Engine.MaxOutputBytes != 4096 || cfg.Engine.MaxConcurrent != 8 {
		t.Fatalf("expected engine limits override, got %+v", cfg.Engine)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
http:
  port: 9090
engine:
  script: /srv/engine/transcribe.py
  max_concurrent: 3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port from file, got %d", cfg.HTTP.Port)
	}
	if cfg.Engine.Script != "/srv/engine/transcribe.py" || cfg.Engine.MaxConcurrent != 3 {
		t.Fatalf("expected engine from file, got %+v", cfg.Engine)
	}
	if cfg.Engine.Python != "python3" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Engine.Python)
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	t.Setenv("LOQA_SCRIBE_ENGINE_TIMEOUT_MS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero engine timeout")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateStaleAfterCoversQueueAndRun(t *testing.T) {
	t.Setenv("LOQA_SCRIBE_ENGINE_TIMEOUT_MS", "60000")
	t.Setenv("LOQA_SCRIBE_ENGINE_ACQUIRE_TIMEOUT_MS", "30000")
	t.Setenv("LOQA_SCRIBE_UPLOAD_SWEEP_EVERY_MS", "1000")

	t.Setenv("LOQA_SCRIBE_UPLOAD_STALE_AFTER_MS", "60001")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when stale_after only covers the engine timeout")
	}

	t.Setenv("LOQA_SCRIBE_UPLOAD_STALE_AFTER_MS", "90001")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("LOQA_SCRIBE_UPLOAD_SWEEP_EVERY_MS", "0")
	t.Setenv("LOQA_SCRIBE_UPLOAD_STALE_AFTER_MS", "1")
	if _, err := Load(""); err != nil {
		t.Fatalf("sweeping disabled should not constrain stale_after: %v", err)
	}
}

func TestValidateRejectsZeroShutdownTimeout(t *testing.T) {
	t.Setenv("LOQA_SCRIBE_HTTP_SHUTDOWN_TIMEOUT_MS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero shutdown timeout")
	}
}
