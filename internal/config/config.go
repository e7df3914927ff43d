// Package config loads the run configuration from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of options of a weighted-ensemble run. It is stored
// verbatim in every checkpoint.
type Config struct {
	Run        RunConfig        `json:"run" yaml:"run"`
	System     SystemConfig     `json:"system" yaml:"system"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Runner     RunnerConfig     `json:"runner" yaml:"runner"`
	Resampler  ResamplerConfig  `json:"resampler" yaml:"resampler"`
	Boundary   BoundaryConfig   `json:"boundary" yaml:"boundary"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Reporters  ReportersConfig  `json:"reporters" yaml:"reporters"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type RunConfig struct {
	// RunID names the run; empty generates one.
	RunID         string `json:"run_id,omitempty" yaml:"run_id,omitempty" validate:"omitempty,excludesall=/\\"`
	Seed          int64  `json:"seed" yaml:"seed"`
	Walkers       int    `json:"walkers" yaml:"walkers" validate:"gte=1"`
	Cycles        int    `json:"cycles" yaml:"cycles" validate:"gte=0"`
	SegmentLength int    `json:"segment_length" yaml:"segment_length" validate:"gte=0"`
}

// SystemConfig is the initial state every walker starts from. It also serves
// as the boundary condition's reference state.
type SystemConfig struct {
	Positions [][3]float64 `json:"positions" yaml:"positions" validate:"required,min=1"`
}

type DispatchConfig struct {
	Workers        int           `json:"workers" yaml:"workers" validate:"gte=1"`
	RetryBudget    int           `json:"retry_budget" yaml:"retry_budget" validate:"gte=0"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
	BackoffFactor  float64       `json:"backoff_factor" yaml:"backoff_factor" validate:"gte=1"`
}

type RunnerConfig struct {
	Kind        string  `json:"kind" yaml:"kind" validate:"oneof=none brownian_pair"`
	StepSize    float64 `json:"step_size" yaml:"step_size" validate:"gte=0"`
	Diffusion   float64 `json:"diffusion" yaml:"diffusion" validate:"gte=0"`
	Epsilon     float64 `json:"epsilon" yaml:"epsilon" validate:"gte=0"`
	Sigma       float64 `json:"sigma" yaml:"sigma" validate:"gte=0"`
	MaxDistance float64 `json:"max_distance" yaml:"max_distance" validate:"gte=0"`
}

type DistanceConfig struct {
	Kind    string `json:"kind" yaml:"kind" validate:"oneof=pair rmsd"`
	Indices []int  `json:"indices,omitempty" yaml:"indices,omitempty" validate:"dive,gte=0"`
}

type ResamplerConfig struct {
	Kind           string         `json:"kind" yaml:"kind" validate:"oneof=none wexplore"`
	PMin           float64        `json:"pmin" yaml:"pmin" validate:"gt=0,lt=1"`
	PMax           float64        `json:"pmax" yaml:"pmax" validate:"gt=0,lte=1"`
	MaxRegionSizes []float64      `json:"max_region_sizes" yaml:"max_region_sizes" validate:"required,min=1,dive,gt=0"`
	MaxNRegions    []int          `json:"max_n_regions" yaml:"max_n_regions" validate:"required,min=1,dive,gte=1"`
	MinWalkers     int            `json:"min_walkers" yaml:"min_walkers" validate:"gte=0"`
	MaxWalkers     int            `json:"max_walkers" yaml:"max_walkers" validate:"gte=0"`
	Occupancy      string         `json:"occupancy" yaml:"occupancy" validate:"oneof=even weighted"`
	Distance       DistanceConfig `json:"distance" yaml:"distance"`
}

// WalkerBounds returns the ensemble size bounds. Leaving both at zero pins
// the ensemble to its initial size.
func (c ResamplerConfig) WalkerBounds(walkers int) (int, int) {
	if c.MinWalkers == 0 && c.MaxWalkers == 0 {
		return walkers, walkers
	}
	return c.MinWalkers, c.MaxWalkers
}

type BoundaryConfig struct {
	Kind         string  `json:"kind" yaml:"kind" validate:"oneof=none unbinding"`
	Cutoff       float64 `json:"cutoff" yaml:"cutoff" validate:"gte=0"`
	LigandIdxs   []int   `json:"ligand_idxs,omitempty" yaml:"ligand_idxs,omitempty" validate:"dive,gte=0"`
	ReceptorIdxs []int   `json:"receptor_idxs,omitempty" yaml:"receptor_idxs,omitempty" validate:"dive,gte=0"`
}

type CheckpointConfig struct {
	Dir string `json:"dir" yaml:"dir" validate:"required"`
	// Interval writes a checkpoint every Interval cycles; the last cycle of
	// every run is always checkpointed.
	Interval int `json:"interval" yaml:"interval" validate:"gte=1"`
}

type ReportersConfig struct {
	JSONL         string `json:"jsonl,omitempty" yaml:"jsonl,omitempty"`
	Dashboard     string `json:"dashboard,omitempty" yaml:"dashboard,omitempty"`
	DashboardMode string `json:"dashboard_mode,omitempty" yaml:"dashboard_mode,omitempty" validate:"omitempty,oneof=x w"`
	Store         bool   `json:"store" yaml:"store"`
	FailOnError   bool   `json:"fail_on_error" yaml:"fail_on_error"`
}

type StorageConfig struct {
	Kind string `json:"kind" yaml:"kind" validate:"oneof=memory sqlite badger"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9108".
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Default returns the Lennard-Jones pair setup: 48 walkers on 4 workers,
// a four level region tree and a 1.0 unbinding cutoff.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Seed:          1,
			Walkers:       48,
			Cycles:        10,
			SegmentLength: 1000,
		},
		System: SystemConfig{
			Positions: [][3]float64{{0, 0, 0}, {0.34, 0, 0}},
		},
		Dispatch: DispatchConfig{
			Workers:        4,
			RetryBudget:    2,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			BackoffFactor:  2,
		},
		Runner: RunnerConfig{
			Kind:      "brownian_pair",
			StepSize:  0.0001,
			Diffusion: 1,
			Epsilon:   1,
			Sigma:     0.3,
		},
		Resampler: ResamplerConfig{
			Kind:           "wexplore",
			PMin:           1e-12,
			PMax:           0.5,
			MaxRegionSizes: []float64{1, 0.5, 0.35, 0.25},
			MaxNRegions:    []int{10, 10, 10, 10},
			Occupancy:      "even",
			Distance:       DistanceConfig{Kind: "pair"},
		},
		Boundary: BoundaryConfig{
			Kind:         "unbinding",
			Cutoff:       1.0,
			LigandIdxs:   []int{1},
			ReceptorIdxs: []int{0},
		},
		Checkpoint: CheckpointConfig{
			Dir:      "checkpoints",
			Interval: 1,
		},
		Reporters: ReportersConfig{
			DashboardMode: "w",
		},
		Storage: StorageConfig{
			Kind: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load applies defaults, then path (if non-empty), then the environment,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML file on top of the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// an empty document leaves the defaults in place
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the constraints between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	r := c.Resampler
	if r.PMin >= r.PMax {
		return fmt.Errorf("%w: pmin %g must be < pmax %g", ErrInvalid, r.PMin, r.PMax)
	}
	if len(r.MaxRegionSizes) != len(r.MaxNRegions) {
		return fmt.Errorf("%w: %d max_region_sizes but %d max_n_regions", ErrInvalid, len(r.MaxRegionSizes), len(r.MaxNRegions))
	}
	if r.MaxWalkers > 0 && r.MinWalkers > r.MaxWalkers {
		return fmt.Errorf("%w: min_walkers %d > max_walkers %d", ErrInvalid, r.MinWalkers, r.MaxWalkers)
	}
	if r.MaxWalkers > 0 && c.Run.Walkers > r.MaxWalkers {
		return fmt.Errorf("%w: %d walkers exceed max_walkers %d", ErrInvalid, c.Run.Walkers, r.MaxWalkers)
	}
	if c.Run.Walkers < r.MinWalkers {
		return fmt.Errorf("%w: %d walkers below min_walkers %d", ErrInvalid, c.Run.Walkers, r.MinWalkers)
	}
	if w := 1 / float64(c.Run.Walkers); r.Kind == "wexplore" && (w < r.PMin || w > r.PMax) {
		return fmt.Errorf("%w: initial weight %g outside [pmin, pmax]", ErrInvalid, w)
	}
	if c.Dispatch.MaxBackoff < c.Dispatch.InitialBackoff {
		return fmt.Errorf("%w: max_backoff %s < initial_backoff %s", ErrInvalid, c.Dispatch.MaxBackoff, c.Dispatch.InitialBackoff)
	}
	n := len(c.System.Positions)
	if c.Boundary.Kind == "unbinding" {
		if !(c.Boundary.Cutoff > 0) {
			return fmt.Errorf("%w: unbinding cutoff must be > 0", ErrInvalid)
		}
		if len(c.Boundary.LigandIdxs) == 0 || len(c.Boundary.ReceptorIdxs) == 0 {
			return fmt.Errorf("%w: unbinding needs ligand_idxs and receptor_idxs", ErrInvalid)
		}
		for _, idx := range append(append([]int(nil), c.Boundary.LigandIdxs...), c.Boundary.ReceptorIdxs...) {
			if idx >= n {
				return fmt.Errorf("%w: particle index %d out of range for %d particles", ErrInvalid, idx, n)
			}
		}
	}
	for _, idx := range r.Distance.Indices {
		if idx >= n {
			return fmt.Errorf("%w: distance index %d out of range for %d particles", ErrInvalid, idx, n)
		}
	}
	if c.Runner.Kind == "brownian_pair" {
		if n < 2 {
			return fmt.Errorf("%w: brownian_pair needs at least 2 particles", ErrInvalid)
		}
		if !(c.Runner.StepSize > 0) || !(c.Runner.Diffusion > 0) {
			return fmt.Errorf("%w: brownian_pair needs positive step_size and diffusion", ErrInvalid)
		}
	}
	if c.Storage.Kind == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("%w: sqlite storage needs a path", ErrInvalid)
	}
	return nil
}

// applyEnvOverrides applies WEXPLORE_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WEXPLORE_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: WEXPLORE_SEED: %v", ErrInvalid, err)
		}
		cfg.Run.Seed = seed
	}
	if v := os.Getenv("WEXPLORE_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WEXPLORE_WORKERS: %v", ErrInvalid, err)
		}
		cfg.Dispatch.Workers = workers
	}
	if v := os.Getenv("WEXPLORE_CHECKPOINT_DIR"); v != "" {
		cfg.Checkpoint.Dir = v
	}
	if v := os.Getenv("WEXPLORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
