// Package lineage rebuilds walker ancestry from per-cycle resampling
// records.
package lineage

import (
	"errors"
	"fmt"
	"sort"

	"wexplore/internal/model"
)

var ErrInconsistent = errors.New("inconsistent resampling records")

// ParentTable maps every output walker of a cycle to the input walker it
// descends from. Outputs named by a record take the record's source (clone)
// or survivor (merge); the remaining outputs are kept inputs in index order.
func ParentTable(rec model.CycleRecord) ([]int, error) {
	n, m := rec.InputWalkers, len(rec.Walkers)
	parents := make([]int, m)
	for i := range parents {
		parents[i] = -1
	}
	covered := make([]bool, n)
	for ri, r := range rec.Resampling {
		if len(r.Sources) == 0 || len(r.Targets) == 0 {
			return nil, fmt.Errorf("%w: cycle %d record %d is empty", ErrInconsistent, rec.Cycle, ri)
		}
		parent := r.Sources[0]
		if r.Decision == model.DecisionMerge {
			parent = r.Survivor
		}
		for _, s := range r.Sources {
			if s < 0 || s >= n || covered[s] {
				return nil, fmt.Errorf("%w: cycle %d source %d", ErrInconsistent, rec.Cycle, s)
			}
			covered[s] = true
		}
		for _, t := range r.Targets {
			if t < 0 || t >= m || parents[t] != -1 {
				return nil, fmt.Errorf("%w: cycle %d target %d", ErrInconsistent, rec.Cycle, t)
			}
			parents[t] = parent
		}
	}
	next := 0
	for i := 0; i < n; i++ {
		if covered[i] {
			continue
		}
		for next < m && parents[next] != -1 {
			next++
		}
		if next == m {
			return nil, fmt.Errorf("%w: cycle %d has more kept walkers than free slots", ErrInconsistent, rec.Cycle)
		}
		parents[next] = i
	}
	for t, p := range parents {
		if p == -1 {
			return nil, fmt.Errorf("%w: cycle %d output %d has no parent", ErrInconsistent, rec.Cycle, t)
		}
	}
	return parents, nil
}

// Step is one generation of a walker's ancestry.
type Step struct {
	Cycle  int  `json:"cycle"`
	Walker int  `json:"walker"`
	Parent int  `json:"parent"`
	Warped bool `json:"warped,omitempty"`
}

// Table holds the parent tables of a contiguous range of cycles. The inputs
// of cycle c are the outputs of cycle c-1.
type Table struct {
	first   int
	parents [][]int
	warped  []map[int]bool
}

func Build(records []model.CycleRecord) (*Table, error) {
	if len(records) == 0 {
		return nil, errors.New("no cycle records")
	}
	sorted := append([]model.CycleRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cycle < sorted[j].Cycle })

	t := &Table{
		first:   sorted[0].Cycle,
		parents: make([][]int, len(sorted)),
		warped:  make([]map[int]bool, len(sorted)),
	}
	for i, rec := range sorted {
		if rec.Cycle != t.first+i {
			return nil, fmt.Errorf("%w: cycle %d missing", ErrInconsistent, t.first+i)
		}
		if i > 0 && rec.InputWalkers != len(sorted[i-1].Walkers) {
			return nil, fmt.Errorf("%w: cycle %d takes %d walkers but cycle %d produced %d",
				ErrInconsistent, rec.Cycle, rec.InputWalkers, rec.Cycle-1, len(sorted[i-1].Walkers))
		}
		parents, err := ParentTable(rec)
		if err != nil {
			return nil, err
		}
		t.parents[i] = parents
		t.warped[i] = make(map[int]bool, len(rec.Warps))
		for _, w := range rec.Warps {
			t.warped[i][w.WalkerIndex] = true
		}
	}
	return t, nil
}

func (t *Table) FirstCycle() int { return t.first }

func (t *Table) LastCycle() int { return t.first + len(t.parents) - 1 }

// Walkers returns the number of output walkers of a cycle.
func (t *Table) Walkers(cycle int) int {
	i := cycle - t.first
	if i < 0 || i >= len(t.parents) {
		return 0
	}
	return len(t.parents[i])
}

// Ancestry walks from an output walker of cycle back to the first cycle.
// Steps are returned newest first.
func (t *Table) Ancestry(cycle, walker int) ([]Step, error) {
	i := cycle - t.first
	if i < 0 || i >= len(t.parents) {
		return nil, fmt.Errorf("cycle %d outside [%d, %d]", cycle, t.first, t.LastCycle())
	}
	if walker < 0 || walker >= len(t.parents[i]) {
		return nil, fmt.Errorf("walker %d outside cycle %d ensemble of %d", walker, cycle, len(t.parents[i]))
	}
	steps := make([]Step, 0, i+1)
	for ; i >= 0; i-- {
		parent := t.parents[i][walker]
		steps = append(steps, Step{
			Cycle:  t.first + i,
			Walker: walker,
			Parent: parent,
			Warped: t.warped[i][parent],
		})
		walker = parent
	}
	return steps, nil
}
