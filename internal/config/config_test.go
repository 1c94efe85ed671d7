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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.Backend != "portaudio" {
		t.Fatalf("expected portaudio backend default, got %q", cfg.Capture.Backend)
	}
	if cfg.Recognizer.Mode != "mock" {
		t.Fatalf("expected mock recognizer default, got %q", cfg.Recognizer.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUILL_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("QUILL_BUS_USERNAME", "alice")
	t.Setenv("QUILL_BUS_PASSWORD", "secret")
	t.Setenv("QUILL_BUS_TLS_INSECURE", "true")
	t.Setenv("QUILL_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("QUILL_CAPTURE_BACKEND", "mock")
	t.Setenv("QUILL_CAPTURE_ROUTE_DEBOUNCE_MS", "250")
	t.Setenv("QUILL_CAPTURE_VOICE_RMS_THRESHOLD", "0.2")
	t.Setenv("QUILL_RECOGNIZER_MODE", "exec")
	t.Setenv("QUILL_RECOGNIZER_COMMAND", "whisper-cli --json")
	t.Setenv("QUILL_SESSION_RECORDINGS_DIR", "/tmp/recs")
	t.Setenv("QUILL_SESSION_STOP_TIMEOUT_MS", "3000")
	t.Setenv("QUILL_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("QUILL_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("QUILL_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("QUILL_EVENT_STORE_MAX_RECORDINGS", "123")
	t.Setenv("QUILL_EVENT_STORE_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Capture.Backend != "mock" {
		t.Fatalf("expected capture backend override")
	}
	if cfg.Capture.RouteDebounceMS != 250 {
		t.Fatalf("expected route debounce override, got %d", cfg.Capture.RouteDebounceMS)
	}
	if cfg.Capture.VoiceRMSThreshold != 0.2 {
		t.Fatalf("expected voice threshold override, got %v", cfg.Capture.VoiceRMSThreshold)
	}
	if cfg.Recognizer.Mode != "exec" || cfg.Recognizer.Command != "whisper-cli --json" {
		t.Fatalf("expected recognizer override, got %+v", cfg.Recognizer)
	}
	if cfg.Session.RecordingsDir != "/tmp/recs" || cfg.Session.StopTimeoutMS != 3000 {
		t.Fatalf("expected session override, got %+v", cfg.Session)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxRecordings != 123 {
		t.Fatalf("expected event store max recordings override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quill.yaml")
	body := `
runtime_name: studio
capture:
  backend: mock
  block_duration_ms: 10
recognizer:
  enabled: true
  mode: mock
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "studio" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.BlockDurationMS != 10 {
		t.Fatalf("expected block duration from file, got %d", cfg.Capture.BlockDurationMS)
	}
	// untouched sections keep their defaults
	if cfg.EventStore.RetentionMode != "session" {
		t.Fatalf("expected default retention mode, got %q", cfg.EventStore.RetentionMode)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("QUILL_CAPTURE_BACKEND", "coreaudio")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

func TestValidateRequiresExecCommand(t *testing.T) {
	t.Setenv("QUILL_RECOGNIZER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec mode without command")
	}
}
