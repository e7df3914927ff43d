package boundary

import (
	"context"
	"fmt"
	"math"

	"wexplore/internal/model"
)

type UnbindingConfig struct {
	Cutoff       float64
	References   []model.State
	LigandIdxs   []int
	ReceptorIdxs []int
}

// UnbindingBC warps a walker when the minimum distance between any ligand
// particle and any receptor particle exceeds the cutoff. The j-th warp of a
// cycle uses reference j mod len(references).
type UnbindingBC struct {
	cutoff     float64
	references []model.State
	ligand     []int
	receptor   []int
}

func NewUnbinding(cfg UnbindingConfig) (*UnbindingBC, error) {
	if !(cfg.Cutoff > 0) || math.IsInf(cfg.Cutoff, 0) {
		return nil, fmt.Errorf("%w: cutoff must be positive and finite, got %v", ErrInvalidConfig, cfg.Cutoff)
	}
	if len(cfg.References) == 0 {
		return nil, fmt.Errorf("%w: at least one reference state is required", ErrInvalidConfig)
	}
	if len(cfg.LigandIdxs) == 0 || len(cfg.ReceptorIdxs) == 0 {
		return nil, fmt.Errorf("%w: ligand and receptor indices are required", ErrInvalidConfig)
	}
	bc := &UnbindingBC{
		cutoff:     cfg.Cutoff,
		references: make([]model.State, len(cfg.References)),
		ligand:     append([]int(nil), cfg.LigandIdxs...),
		receptor:   append([]int(nil), cfg.ReceptorIdxs...),
	}
	for i, ref := range cfg.References {
		d, err := bc.MinDistance(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: reference %d: %v", ErrInvalidConfig, i, err)
		}
		if d > bc.cutoff {
			return nil, fmt.Errorf("%w: reference %d has min distance %g > cutoff %g", ErrReferenceWarps, i, d, bc.cutoff)
		}
		bc.references[i] = ref.Clone()
	}
	return bc, nil
}

func (*UnbindingBC) Kind() string { return KindUnbinding }

func (bc *UnbindingBC) Cutoff() float64 { return bc.cutoff }

// MinDistance returns the smallest ligand-receptor particle distance.
func (bc *UnbindingBC) MinDistance(state model.State) (float64, error) {
	n := len(state.Positions)
	best := math.Inf(1)
	for _, l := range bc.ligand {
		if l < 0 || l >= n {
			return 0, fmt.Errorf("ligand index %d out of range for %d particles", l, n)
		}
		for _, r := range bc.receptor {
			if r < 0 || r >= n {
				return 0, fmt.Errorf("receptor index %d out of range for %d particles", r, n)
			}
			a, b := state.Positions[l], state.Positions[r]
			dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
			if d := math.Sqrt(dx*dx + dy*dy + dz*dz); d < best {
				best = d
			}
		}
	}
	return best, nil
}

func (bc *UnbindingBC) Apply(ctx context.Context, walkers []model.Walker) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Walkers:  make([]model.Walker, len(walkers)),
		Warps:    make([]model.WarpRecord, 0),
		Progress: make([]float64, len(walkers)),
	}
	for i, w := range walkers {
		d, err := bc.MinDistance(w.State)
		if err != nil {
			return Outcome{}, fmt.Errorf("walker %d: %w", i, err)
		}
		out.Progress[i] = d
		if d <= bc.cutoff {
			out.Walkers[i] = w.Clone()
			continue
		}
		ref := len(out.Warps) % len(bc.references)
		out.Walkers[i] = model.Walker{State: bc.references[ref].Clone(), Weight: w.Weight}
		out.Warps = append(out.Warps, model.WarpRecord{
			WalkerIndex:    i,
			ReferenceIndex: ref,
			Weight:         w.Weight,
			Progress:       d,
		})
	}
	return out, nil
}

func (bc *UnbindingBC) State() model.BoundaryState {
	refs := make([]model.State, len(bc.references))
	for i, ref := range bc.references {
		refs[i] = ref.Clone()
	}
	return model.BoundaryState{
		Kind:         KindUnbinding,
		Cutoff:       bc.cutoff,
		References:   refs,
		LigandIdxs:   append([]int(nil), bc.ligand...),
		ReceptorIdxs: append([]int(nil), bc.receptor...),
	}
}
