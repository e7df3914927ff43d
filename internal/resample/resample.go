// Package resample redistributes walkers across an adaptive region tree by
// cloning and merging, keeping every weight within [PMin, PMax].
package resample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wexplore/internal/distance"
	"wexplore/internal/model"
)

const (
	KindNone     = "none"
	KindWExplore = "wexplore"
)

var (
	ErrInvalidConfig = errors.New("invalid resampler config")
	ErrInvalidState  = errors.New("invalid resampler state")
	ErrInvalidImage  = errors.New("invalid walker image")
)

// Result is the resampled ensemble. Records index Walkers (targets) and the
// input ensemble (sources); Assignments holds the leaf path of every input
// walker.
type Result struct {
	Walkers     []model.Walker
	Records     []model.ResamplingRecord
	Assignments [][]int
	Regions     []int
}

type Resampler interface {
	Kind() string
	Resample(ctx context.Context, walkers []model.Walker, cycle int) (Result, error)
	State() model.ResamplerState
	Restore(state model.ResamplerState) error
}

type Config struct {
	Kind           string
	PMin           float64
	PMax           float64
	MaxRegionSizes []float64
	MaxNRegions    []int
	MinWalkers     int
	MaxWalkers     int
	Occupancy      string
	Distance       model.DistanceSpec
	Seed           int64
	Logger         *slog.Logger
}

// New builds a resampler whose region tree is seeded from initial.
func New(cfg Config, initial model.State) (Resampler, error) {
	switch cfg.Kind {
	case KindNone:
		return NoResampler{}, nil
	case "", KindWExplore:
		return NewWExplore(cfg, initial)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, cfg.Kind)
	}
}

// FromState rebuilds a resampler from its checkpointed form.
func FromState(state model.ResamplerState, seed int64, logger *slog.Logger) (Resampler, error) {
	switch state.Kind {
	case KindNone:
		return NoResampler{}, nil
	case KindWExplore:
		dist, err := distance.New(state.Distance)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		r := &WExplore{seed: seed, logger: logger, dist: dist}
		if err := r.Restore(state); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidState, state.Kind)
	}
}

// NoResampler returns the ensemble unchanged.
type NoResampler struct{}

func (NoResampler) Kind() string { return KindNone }

func (NoResampler) Resample(ctx context.Context, walkers []model.Walker, _ int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Walkers: model.CloneWalkers(walkers), Records: []model.ResamplingRecord{}}, nil
}

func (NoResampler) State() model.ResamplerState { return model.ResamplerState{Kind: KindNone} }

func (NoResampler) Restore(state model.ResamplerState) error {
	if state.Kind != KindNone {
		return fmt.Errorf("%w: cannot restore %q into none", ErrInvalidState, state.Kind)
	}
	return nil
}
