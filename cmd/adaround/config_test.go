package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/adaround/internal/adaround"
)

func resetCalibrationFlags(t *testing.T) {
	t.Helper()
	seed, reduced, objective, maxLayers = 0, false, "", 0
	t.Cleanup(func() { seed, reduced, objective, maxLayers = 0, false, "", 0 })
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
reduced: true
seed: 7
max_layers: 2
server_address: 0.0.0.0:9000
specs_dir: /srv/specs
limits:
  max_batches: 4
  max_iterations: 50
options:
  iterations: 3
  beta_high: 12
`)
	cfg, err := loadConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Reduced == nil || !*cfg.Reduced || cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("pointer fields not set: %+v", cfg)
	}
	if cfg.SpecsDir != "/srv/specs" || cfg.Limits == nil || cfg.Limits.MaxBatches != 4 || cfg.Limits.MaxIterations != 50 {
		t.Fatalf("server settings not parsed: %+v", cfg)
	}
	if cfg.QueueDepth != nil {
		t.Fatalf("queue_depth should be unset, got %d", *cfg.QueueDepth)
	}
	if cfg.Options.IsZero() {
		t.Fatal("options node should be populated")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfigFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	cfg, err := loadConfigFrom("")
	if err != nil || cfg.LogLevel != "" {
		t.Fatalf("empty path should give a zero config, got %+v, %v", cfg, err)
	}
}

func TestResolveOptionsLayering(t *testing.T) {
	resetCalibrationFlags(t)
	cfg, err := loadConfigFrom(writeFile(t, "config.yaml", `
options:
  iterations: 3
  beta_high: 12
`))
	if err != nil {
		t.Fatal(err)
	}
	optionsFile := writeFile(t, "options.yaml", "iterations: 5\nmargin: 0.2\n")

	reduced = true
	objective = "output"
	maxLayers = 1
	seed = 42

	opts, err := resolveOptions(cfg, optionsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := adaround.ReducedOptions()
	want.BetaHigh = 12
	want.Iterations = 5
	want.Margin = 0.2
	want.Objective = adaround.ObjectiveOutput
	want.MaxLayers = 1
	want.Seed = 42
	if opts != want {
		t.Fatalf("resolved options\n got %+v\nwant %+v", opts, want)
	}
}

func TestResolveOptionsRejectsInvalid(t *testing.T) {
	resetCalibrationFlags(t)
	objective = "activations"
	if _, err := resolveOptions(Config{}, ""); err == nil {
		t.Fatal("expected an unknown objective to be rejected")
	}

	objective = ""
	bad := writeFile(t, "options.yaml", "iterations: 0\n")
	if _, err := resolveOptions(Config{}, bad); err == nil {
		t.Fatal("expected zero iterations to be rejected")
	}
}
