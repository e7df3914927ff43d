package runner

import (
	"context"
	"errors"
	"fmt"

	"wexplore/internal/model"
)

// Segment describes one unit of propagation work for a single walker.
type Segment struct {
	Length   int
	Cycle    int
	Walker   int
	WorkerID int
	Seed     int64
}

// SegmentRunner advances a walker state by a fixed amount of simulated
// progress. Implementations must not retain or mutate the input state and
// must return an error rather than a partially advanced state.
type SegmentRunner interface {
	Name() string
	RunSegment(ctx context.Context, state model.State, seg Segment) (model.State, error)
}

var ErrUnrecoverable = errors.New("unrecoverable segment failure")

type unrecoverableError struct {
	err error
}

func (e unrecoverableError) Error() string { return e.err.Error() }

func (e unrecoverableError) Unwrap() []error { return []error{ErrUnrecoverable, e.err} }

// Unrecoverable marks err so the dispatcher does not spend retries on it,
// e.g. a reproducibly divergent state.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// NoRunner returns the state unchanged. Useful for tests and dry runs.
type NoRunner struct{}

func (NoRunner) Name() string { return "none" }

func (NoRunner) RunSegment(ctx context.Context, state model.State, _ Segment) (model.State, error) {
	if err := ctx.Err(); err != nil {
		return model.State{}, err
	}
	return state.Clone(), nil
}

type Spec struct {
	Kind        string
	StepSize    float64
	Diffusion   float64
	Epsilon     float64
	Sigma       float64
	MaxDistance float64
}

func New(spec Spec) (SegmentRunner, error) {
	switch spec.Kind {
	case "", "none":
		return NoRunner{}, nil
	case "brownian_pair":
		return NewBrownianPairRunner(BrownianPairConfig{
			StepSize:    spec.StepSize,
			Diffusion:   spec.Diffusion,
			Epsilon:     spec.Epsilon,
			Sigma:       spec.Sigma,
			MaxDistance: spec.MaxDistance,
		})
	default:
		return nil, fmt.Errorf("unsupported runner: %s", spec.Kind)
	}
}
