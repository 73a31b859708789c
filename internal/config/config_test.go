package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() must validate clean, got: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Belt.BeltSpeedMPS = 0
	cfg.AIModel.NumWorkers = 0
	cfg.AIModel.ConfidenceThreshold = 2.0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"belt_speed_mps", "num_workers", "confidence_threshold"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %q, got: %s", want, msg)
		}
	}
}

func TestLoadMergesOverFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
schema_version: "1"
conveyor_belt_settings:
  belt_speed_mps: 1.25
ai_model_settings:
  num_workers: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Belt.BeltSpeedMPS != 1.25 {
		t.Errorf("belt speed = %f, want 1.25", cfg.Belt.BeltSpeedMPS)
	}
	if cfg.AIModel.NumWorkers != 4 {
		t.Errorf("num_workers = %d, want 4", cfg.AIModel.NumWorkers)
	}
	// Untouched field should keep its default.
	if cfg.API.Port != 8080 {
		t.Errorf("api port = %d, want default 8080", cfg.API.Port)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
schema_version: "1"
conveyor_belt_settings:
  belt_speed_mps: -1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a negative belt speed")
	}
}

func TestModeFromEnv(t *testing.T) {
	cases := map[string]Mode{
		"professional": ModeProfessional,
		"prototype":    ModePrototype,
		"interactive":  ModeInteractive,
		"auto":         ModeAuto,
		"":             ModeProfessional,
		"bogus":        ModeProfessional,
	}
	for raw, want := range cases {
		if got := ModeFromEnv(raw); got != want {
			t.Errorf("ModeFromEnv(%q) = %q, want %q", raw, got, want)
		}
	}
}
