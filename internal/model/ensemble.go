package model

import "math"

// WeightTolerance is the relative drift allowed on total ensemble weight.
const WeightTolerance = 1e-9

func TotalWeight(walkers []Walker) float64 {
	total := 0.0
	for _, w := range walkers {
		total += w.Weight
	}
	return total
}

// CloneWalkers deep-copies an ensemble.
func CloneWalkers(walkers []Walker) []Walker {
	if walkers == nil {
		return nil
	}
	out := make([]Walker, len(walkers))
	for i, w := range walkers {
		out[i] = w.Clone()
	}
	return out
}

// WeightsConserved reports whether after is within tolerance of before,
// relative to before.
func WeightsConserved(before, after float64) bool {
	scale := math.Abs(before)
	if scale < 1 {
		scale = 1
	}
	return math.Abs(after-before) <= WeightTolerance*scale
}

// UniformWalkers returns n copies of state with weight 1/n each.
func UniformWalkers(state State, n int) []Walker {
	if n <= 0 {
		return nil
	}
	out := make([]Walker, n)
	for i := range out {
		out[i] = Walker{State: state.Clone(), Weight: 1.0 / float64(n)}
	}
	return out
}

// Clone deep-copies a cycle record.
func (c CycleRecord) Clone() CycleRecord {
	out := c
	out.Walkers = CloneWalkers(c.Walkers)
	if c.Resampling != nil {
		out.Resampling = make([]ResamplingRecord, len(c.Resampling))
		for i, r := range c.Resampling {
			out.Resampling[i] = r
			out.Resampling[i].Sources = append([]int(nil), r.Sources...)
			out.Resampling[i].Targets = append([]int(nil), r.Targets...)
			if r.Region != nil {
				out.Resampling[i].Region = append([]int(nil), r.Region...)
			}
		}
	}
	if c.Warps != nil {
		out.Warps = make([]WarpRecord, len(c.Warps))
		copy(out.Warps, c.Warps)
	}
	if c.Progress != nil {
		out.Progress = make([]float64, len(c.Progress))
		copy(out.Progress, c.Progress)
	}
	if c.Regions != nil {
		out.Regions = make([][]int, len(c.Regions))
		for i, r := range c.Regions {
			out.Regions[i] = append([]int(nil), r...)
		}
	}
	if c.RegionCounts != nil {
		out.RegionCounts = append([]int(nil), c.RegionCounts...)
	}
	return out
}
