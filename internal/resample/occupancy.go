package resample

import (
	"fmt"
	"math"
	"sort"
)

const (
	OccupancyEven     = "even"
	OccupancyWeighted = "weighted"
)

// ChildStats summarizes one occupied child of a parent region.
type ChildStats struct {
	Order   int
	Walkers int
	Weight  float64
	Effort  int
}

// OccupancyPolicy decides how many walkers each occupied child of a region
// should hold. Targets keep the total and give every child at least one.
type OccupancyPolicy interface {
	Name() string
	Targets(children []ChildStats, total int) []int
}

func NewOccupancyPolicy(name string) (OccupancyPolicy, error) {
	switch name {
	case "", OccupancyEven:
		return EvenOccupancy{}, nil
	case OccupancyWeighted:
		return WeightedOccupancy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown occupancy policy %q", ErrInvalidConfig, name)
	}
}

// lessNeedy orders children by fewest walkers, then least weight, then least
// effort, then child order.
func lessNeedy(a, b ChildStats) bool {
	if a.Walkers != b.Walkers {
		return a.Walkers < b.Walkers
	}
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	if a.Effort != b.Effort {
		return a.Effort < b.Effort
	}
	return a.Order < b.Order
}

func needOrder(children []ChildStats) []int {
	idx := make([]int, len(children))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return lessNeedy(children[idx[i]], children[idx[j]]) })
	return idx
}

// EvenOccupancy splits the total evenly; remainder slots go to the neediest
// children.
type EvenOccupancy struct{}

func (EvenOccupancy) Name() string { return OccupancyEven }

func (EvenOccupancy) Targets(children []ChildStats, total int) []int {
	targets := make([]int, len(children))
	if len(children) == 0 {
		return targets
	}
	base := total / len(children)
	rem := total % len(children)
	for i := range targets {
		targets[i] = base
	}
	for _, i := range needOrder(children)[:rem] {
		targets[i]++
	}
	return targets
}

// WeightedOccupancy gives children targets proportional to the square root
// of their weight, with largest-remainder rounding.
type WeightedOccupancy struct{}

func (WeightedOccupancy) Name() string { return OccupancyWeighted }

func (WeightedOccupancy) Targets(children []ChildStats, total int) []int {
	targets := make([]int, len(children))
	if len(children) == 0 {
		return targets
	}
	if total < len(children) {
		return EvenOccupancy{}.Targets(children, total)
	}
	scores := make([]float64, len(children))
	sum := 0.0
	for i, c := range children {
		scores[i] = math.Sqrt(math.Max(c.Weight, 0))
		sum += scores[i]
	}
	if sum == 0 {
		return EvenOccupancy{}.Targets(children, total)
	}
	raw := make([]float64, len(children))
	assigned := 0
	for i := range children {
		raw[i] = float64(total) * scores[i] / sum
		targets[i] = int(math.Max(1, math.Floor(raw[i])))
		assigned += targets[i]
	}
	order := needOrder(children)
	for assigned < total {
		best := -1
		for _, i := range order {
			if best < 0 || raw[i]-float64(targets[i]) > raw[best]-float64(targets[best]) {
				best = i
			}
		}
		targets[best]++
		assigned++
	}
	for assigned > total {
		worst := -1
		for _, i := range order {
			if targets[i] <= 1 {
				continue
			}
			if worst < 0 || raw[i]-float64(targets[i]) < raw[worst]-float64(targets[worst]) {
				worst = i
			}
		}
		targets[worst]--
		assigned--
	}
	return targets
}
