// Package boundary detects walkers that crossed the domain boundary and
// warps them back onto a reference state.
package boundary

import (
	"context"
	"errors"
	"fmt"

	"wexplore/internal/model"
)

const (
	KindNone      = "none"
	KindUnbinding = "unbinding"
)

var (
	ErrInvalidConfig  = errors.New("invalid boundary condition config")
	ErrReferenceWarps = errors.New("reference state satisfies warp predicate")
)

// Outcome is the ensemble after boundary handling. Progress holds the
// progress coordinate of every input walker, measured before any warp.
type Outcome struct {
	Walkers  []model.Walker
	Warps    []model.WarpRecord
	Progress []float64
}

// Condition is applied once per cycle between propagation and resampling.
// Implementations never change weights and never share state with the input.
type Condition interface {
	Kind() string
	Apply(ctx context.Context, walkers []model.Walker) (Outcome, error)
	State() model.BoundaryState
}

// NoBC passes the ensemble through.
type NoBC struct{}

func (NoBC) Kind() string { return KindNone }

func (NoBC) Apply(ctx context.Context, walkers []model.Walker) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Walkers: model.CloneWalkers(walkers)}, nil
}

func (NoBC) State() model.BoundaryState { return model.BoundaryState{Kind: KindNone} }

// FromState rebuilds a condition from its checkpointed form.
func FromState(state model.BoundaryState) (Condition, error) {
	switch state.Kind {
	case "", KindNone:
		return NoBC{}, nil
	case KindUnbinding:
		return NewUnbinding(UnbindingConfig{
			Cutoff:       state.Cutoff,
			References:   state.References,
			LigandIdxs:   state.LigandIdxs,
			ReceptorIdxs: state.ReceptorIdxs,
		})
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, state.Kind)
	}
}
