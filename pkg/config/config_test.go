package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atomrun.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.MaxParallel != 4 {
		t.Errorf("expected default max parallel 4, got %d", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.GateThreshold != 0.5 {
		t.Errorf("expected default gate threshold 0.5, got %f", cfg.Engine.GateThreshold)
	}
	if cfg.Sandbox.WallClock != 30*time.Second {
		t.Errorf("expected default wall clock 30s, got %s", cfg.Sandbox.WallClock)
	}
	if cfg.Sandbox.MemoryMB != 512 {
		t.Errorf("expected default memory 512MB, got %d", cfg.Sandbox.MemoryMB)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_retries: 5
  max_parallel: 16
sandbox:
  wall_clock: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxRetries != 5 || cfg.Engine.MaxParallel != 16 {
		t.Errorf("overrides not applied: %+v", cfg.Engine)
	}
	// Unspecified fields keep their defaults.
	if cfg.Engine.GateThreshold != 0.5 {
		t.Errorf("default lost: %f", cfg.Engine.GateThreshold)
	}
	if cfg.Sandbox.WallClock != 10*time.Second {
		t.Errorf("sandbox override not applied: %s", cfg.Sandbox.WallClock)
	}
	if cfg.Sandbox.MemoryMB != 512 {
		t.Errorf("sandbox default lost: %d", cfg.Sandbox.MemoryMB)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero retries", "engine:\n  max_retries: 0\n"},
		{"threshold above one", "engine:\n  gate_threshold: 1.5\n"},
		{"negative parallelism", "engine:\n  max_parallel: -1\n"},
		{"bad environment", "service:\n  environment: outer-space\n"},
		{"bad log level", "logging:\n  level: shout\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "engine: [not a map")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/atomrun.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTelemetryAssembly(t *testing.T) {
	cfg := Default()
	cfg.Service.Name = "atomrun-test"
	cfg.Service.Environment = "staging"

	tel := cfg.Telemetry()
	if tel.ServiceName != "atomrun-test" || tel.Environment != "staging" {
		t.Errorf("telemetry config not assembled: %+v", tel)
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("assembled telemetry config invalid: %v", err)
	}
}
