package runner

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"wexplore/internal/model"
)

type BrownianPairConfig struct {
	// StepSize is the integration time step.
	StepSize float64
	// Diffusion is the per-particle diffusion coefficient in reduced units (kT = 1).
	Diffusion float64
	// Epsilon and Sigma parameterize the Lennard-Jones interaction between
	// the first two particles.
	Epsilon float64
	Sigma   float64
	// MaxDistance aborts a segment whose particles drift further apart,
	// treating it as a divergent trajectory. Zero disables the check.
	MaxDistance float64
}

// BrownianPairRunner integrates overdamped Langevin dynamics of a
// Lennard-Jones pair. Every other particle in the state diffuses freely.
type BrownianPairRunner struct {
	cfg BrownianPairConfig
}

func NewBrownianPairRunner(cfg BrownianPairConfig) (*BrownianPairRunner, error) {
	if cfg.StepSize <= 0 {
		return nil, fmt.Errorf("step size must be > 0")
	}
	if cfg.Diffusion <= 0 {
		return nil, fmt.Errorf("diffusion must be > 0")
	}
	if cfg.Sigma <= 0 {
		cfg.Sigma = 0.3
	}
	if cfg.Epsilon < 0 {
		return nil, fmt.Errorf("epsilon must be >= 0")
	}
	return &BrownianPairRunner{cfg: cfg}, nil
}

func (r *BrownianPairRunner) Name() string { return "brownian_pair" }

func (r *BrownianPairRunner) RunSegment(ctx context.Context, state model.State, seg Segment) (model.State, error) {
	if seg.Length < 0 {
		return model.State{}, fmt.Errorf("segment length must be >= 0")
	}
	if len(state.Positions) < 2 {
		return model.State{}, Unrecoverable(fmt.Errorf("pair runner needs at least 2 particles, got %d", len(state.Positions)))
	}

	next := state.Clone()
	rng := rand.New(rand.NewSource(seg.Seed))
	noise := math.Sqrt(2 * r.cfg.Diffusion * r.cfg.StepSize)
	drift := r.cfg.Diffusion * r.cfg.StepSize

	for step := 0; step < seg.Length; step++ {
		if step%256 == 0 {
			if err := ctx.Err(); err != nil {
				return model.State{}, err
			}
		}
		force := r.pairForce(next.Positions[0], next.Positions[1])
		for i := range next.Positions {
			for d := 0; d < 3; d++ {
				f := 0.0
				switch i {
				case 0:
					f = force[d]
				case 1:
					f = -force[d]
				}
				next.Positions[i][d] += drift*f + noise*rng.NormFloat64()
			}
		}
		if r.cfg.MaxDistance > 0 && separation(next.Positions[0], next.Positions[1]) > r.cfg.MaxDistance {
			return model.State{}, Unrecoverable(fmt.Errorf("pair separation exceeded %g at step %d", r.cfg.MaxDistance, step))
		}
	}
	next.Time = state.Time + float64(seg.Length)*r.cfg.StepSize
	for i := range next.Positions {
		for d := 0; d < 3; d++ {
			if math.IsNaN(next.Positions[i][d]) || math.IsInf(next.Positions[i][d], 0) {
				return model.State{}, Unrecoverable(fmt.Errorf("non-finite position for particle %d", i))
			}
		}
	}
	return next, nil
}

// pairForce returns the Lennard-Jones force acting on a due to b.
func (r *BrownianPairRunner) pairForce(a, b [3]float64) [3]float64 {
	var out [3]float64
	if r.cfg.Epsilon == 0 {
		return out
	}
	dist := separation(a, b)
	// clamp to keep the repulsive wall finite for tiny separations
	if dist < 0.5*r.cfg.Sigma {
		dist = 0.5 * r.cfg.Sigma
	}
	sr6 := math.Pow(r.cfg.Sigma/dist, 6)
	magnitude := 24 * r.cfg.Epsilon * (2*sr6*sr6 - sr6) / dist
	for d := 0; d < 3; d++ {
		out[d] = magnitude * (a[d] - b[d]) / dist
	}
	return out
}

func separation(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
