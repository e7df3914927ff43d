package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wexplore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
run:
  seed: 9
  walkers: 8
resampler:
  pmax: 0.25
  max_region_sizes: [2, 1]
  max_n_regions: [4, 4]
dispatch:
  initial_backoff: 5ms
system:
  positions:
    - [0, 0, 0]
    - [0.5, 0, 0]
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Run.Seed != 9 || cfg.Run.Walkers != 8 {
		t.Fatalf("unexpected run config: %+v", cfg.Run)
	}
	if diff := cmp.Diff([]float64{2, 1}, cfg.Resampler.MaxRegionSizes); diff != "" {
		t.Fatalf("region sizes mismatch (-want +got):\n%s", diff)
	}
	if cfg.Resampler.PMin != 1e-12 {
		t.Fatalf("expected default pmin to survive overlay, got=%g", cfg.Resampler.PMin)
	}
	if cfg.Dispatch.InitialBackoff != 5*time.Millisecond {
		t.Fatalf("expected 5ms backoff, got=%s", cfg.Dispatch.InitialBackoff)
	}
	if cfg.System.Positions[1] != [3]float64{0.5, 0, 0} {
		t.Fatalf("unexpected positions: %v", cfg.System.Positions)
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "run:\n  walkerz: 3\n")
	_, err := LoadFromFile(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got=%v", err)
	}
}

func TestLoadFromFileEmptyKeepsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("empty file changed defaults (-want +got):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"pmin >= pmax":         func(c *Config) { c.Resampler.PMin = 0.5 },
		"level length":         func(c *Config) { c.Resampler.MaxNRegions = []int{10} },
		"negative region size": func(c *Config) { c.Resampler.MaxRegionSizes[0] = -1 },
		"zero child cap":       func(c *Config) { c.Resampler.MaxNRegions[2] = 0 },
		"walker bounds":        func(c *Config) { c.Resampler.MinWalkers, c.Resampler.MaxWalkers = 10, 5 },
		"too many walkers":     func(c *Config) { c.Resampler.MaxWalkers = 10 },
		"unknown occupancy":    func(c *Config) { c.Resampler.Occupancy = "greedy" },
		"zero workers":         func(c *Config) { c.Dispatch.Workers = 0 },
		"missing cutoff":       func(c *Config) { c.Boundary.Cutoff = 0 },
		"ligand out of range":  func(c *Config) { c.Boundary.LigandIdxs = []int{5} },
		"initial weight":       func(c *Config) { c.Run.Walkers = 1 },
		"sqlite without path":  func(c *Config) { c.Storage.Kind = "sqlite" },
		"bad log level":        func(c *Config) { c.Logging.Level = "loud" },
		"run id with slash":    func(c *Config) { c.Run.RunID = "a/b" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got=%v", name, err)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("WEXPLORE_SEED", "77")
	t.Setenv("WEXPLORE_WORKERS", "3")
	t.Setenv("WEXPLORE_CHECKPOINT_DIR", "/tmp/wx")
	t.Setenv("WEXPLORE_LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Run.Seed != 77 || cfg.Dispatch.Workers != 3 || cfg.Checkpoint.Dir != "/tmp/wx" || cfg.Logging.Level != "debug" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("WEXPLORE_WORKERS", "many")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad WEXPLORE_WORKERS, got=%v", err)
	}
}

func TestWalkerBoundsDefaultsToInitialSize(t *testing.T) {
	lo, hi := Default().Resampler.WalkerBounds(48)
	if lo != 48 || hi != 48 {
		t.Fatalf("expected [48, 48], got=[%d, %d]", lo, hi)
	}
	r := ResamplerConfig{MinWalkers: 10, MaxWalkers: 60}
	lo, hi = r.WalkerBounds(48)
	if lo != 10 || hi != 60 {
		t.Fatalf("expected [10, 60], got=[%d, %d]", lo, hi)
	}
}
