package resample

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"wexplore/internal/distance"
	"wexplore/internal/logging"
	"wexplore/internal/model"
)

// WExplore resamples over a hierarchical region tree. Every parent's
// occupied children are driven toward the targets of the occupancy policy,
// from the leaves upward.
type WExplore struct {
	pmin       float64
	pmax       float64
	sizes      []float64
	caps       []int
	minWalkers int
	maxWalkers int
	policy     OccupancyPolicy
	dist       distance.Distance
	tree       *Tree
	seed       int64
	logger     *slog.Logger
}

func NewWExplore(cfg Config, initial model.State) (*WExplore, error) {
	if err := validateBounds(cfg.PMin, cfg.PMax, cfg.MinWalkers, cfg.MaxWalkers); err != nil {
		return nil, err
	}
	policy, err := NewOccupancyPolicy(cfg.Occupancy)
	if err != nil {
		return nil, err
	}
	dist, err := distance.New(cfg.Distance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	image := dist.Image(initial)
	if !finiteImage(image) {
		return nil, fmt.Errorf("%w: initial state image is not finite", ErrInvalidImage)
	}
	tree, err := NewTree(image, cfg.MaxRegionSizes, cfg.MaxNRegions, dist)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("resample")
	}
	return &WExplore{
		pmin:       cfg.PMin,
		pmax:       cfg.PMax,
		sizes:      append([]float64(nil), cfg.MaxRegionSizes...),
		caps:       append([]int(nil), cfg.MaxNRegions...),
		minWalkers: cfg.MinWalkers,
		maxWalkers: cfg.MaxWalkers,
		policy:     policy,
		dist:       dist,
		tree:       tree,
		seed:       cfg.Seed,
		logger:     logger,
	}, nil
}

func validateBounds(pmin, pmax float64, minWalkers, maxWalkers int) error {
	if !(pmin > 0) || !(pmin < pmax) || pmax > 1 {
		return fmt.Errorf("%w: need 0 < pmin < pmax <= 1, got pmin=%g pmax=%g", ErrInvalidConfig, pmin, pmax)
	}
	if minWalkers < 0 || maxWalkers < 0 {
		return fmt.Errorf("%w: walker bounds must be non-negative", ErrInvalidConfig)
	}
	if maxWalkers > 0 && minWalkers > maxWalkers {
		return fmt.Errorf("%w: min walkers %d > max walkers %d", ErrInvalidConfig, minWalkers, maxWalkers)
	}
	return nil
}

func (*WExplore) Kind() string { return KindWExplore }

func (r *WExplore) Tree() *Tree { return r.tree }

func (r *WExplore) State() model.ResamplerState {
	return model.ResamplerState{
		Kind:           KindWExplore,
		PMin:           r.pmin,
		PMax:           r.pmax,
		MaxRegionSizes: append([]float64(nil), r.sizes...),
		MaxNRegions:    append([]int(nil), r.caps...),
		MinWalkers:     r.minWalkers,
		MaxWalkers:     r.maxWalkers,
		Occupancy:      r.policy.Name(),
		Distance:       distance.Spec(r.dist),
		Tree:           r.tree.State(),
	}
}

func (r *WExplore) Restore(state model.ResamplerState) error {
	if state.Kind != KindWExplore {
		return fmt.Errorf("%w: cannot restore %q into wexplore", ErrInvalidState, state.Kind)
	}
	if state.Tree == nil {
		return fmt.Errorf("%w: missing region tree", ErrInvalidState)
	}
	if err := validateBounds(state.PMin, state.PMax, state.MinWalkers, state.MaxWalkers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	policy, err := NewOccupancyPolicy(state.Occupancy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	dist, err := distance.New(state.Distance)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	tree, err := treeFromState(*state.Tree, state.MaxRegionSizes, state.MaxNRegions, dist)
	if err != nil {
		return err
	}
	r.pmin, r.pmax = state.PMin, state.PMax
	r.sizes = append([]float64(nil), state.MaxRegionSizes...)
	r.caps = append([]int(nil), state.MaxNRegions...)
	r.minWalkers, r.maxWalkers = state.MinWalkers, state.MaxWalkers
	r.policy = policy
	r.dist = dist
	r.tree = tree
	if r.logger == nil {
		r.logger = logging.New("resample")
	}
	return nil
}

func (r *WExplore) Resample(ctx context.Context, walkers []model.Walker, cycle int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(walkers) == 0 {
		return Result{}, fmt.Errorf("resample cycle %d: empty ensemble", cycle)
	}

	p := &pass{
		r:       r,
		walkers: walkers,
		leaves:  make([]*Region, len(walkers)),
		owner:   make([]*unit, len(walkers)),
		units:   make([]*unit, len(walkers)),
		rng:     model.NewRand(r.seed, cycle),
	}
	assignments := make([][]int, len(walkers))
	for i, w := range walkers {
		image := r.dist.Image(w.State)
		if !finiteImage(image) {
			return Result{}, fmt.Errorf("%w: walker %d in cycle %d", ErrInvalidImage, i, cycle)
		}
		p.leaves[i] = r.tree.Assign(image)
		assignments[i] = p.leaves[i].Path()
		u := &unit{members: []int{i}, survivor: i, copies: 1, weight: w.Weight, alive: true}
		p.units[i] = u
		p.owner[i] = u
	}

	p.enforceBounds()
	p.enforceSize()
	for level := r.tree.Depth() - 1; level >= 0; level-- {
		for _, parent := range r.tree.Level(level) {
			p.balance(parent)
		}
	}

	res := p.finalize()
	res.Assignments = assignments
	res.Regions = r.tree.Counts()
	for _, rec := range res.Records {
		r.logger.Log(ctx, logging.LevelTrace, "resampling decision",
			"cycle", cycle, "decision", rec.Decision, "sources", rec.Sources, "targets", rec.Targets, "weight", rec.Weight)
	}
	r.logger.Debug("resampled", "cycle", cycle, "in", len(walkers), "out", len(res.Walkers), "records", len(res.Records))
	return res, nil
}

func finiteImage(image model.Image) bool {
	if len(image) == 0 {
		return false
	}
	for _, v := range image {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// unit is the working form of one input walker during a resample: kept
// (copies 1), cloned (copies k) or a merge group (several members, copies 1).
// Merge groups are never cloned and clone sets are never merged.
type unit struct {
	members  []int
	survivor int
	copies   int
	weight   float64
	alive    bool
}

func (u *unit) first() int { return u.members[0] }

type pass struct {
	r       *WExplore
	walkers []model.Walker
	leaves  []*Region
	units   []*unit
	owner   []*unit
	rng     *rand.Rand
}

type op func()

func (p *pass) leafOf(u *unit) *Region { return p.leaves[u.survivor] }

func under(leaf, node *Region) bool {
	for n := leaf; n != nil; n = n.parent {
		if n == node {
			return true
		}
		if n.Level <= node.Level {
			return false
		}
	}
	return false
}

func (p *pass) unitsIn(node *Region) []*unit {
	out := make([]*unit, 0)
	for _, u := range p.units {
		if u.alive && under(p.leafOf(u), node) {
			out = append(out, u)
		}
	}
	return out
}

func (p *pass) count(node *Region) int {
	n := 0
	for _, u := range p.unitsIn(node) {
		n += u.copies
	}
	return n
}

func (p *pass) weight(node *Region) float64 {
	w := 0.0
	for _, u := range p.unitsIn(node) {
		w += u.weight
	}
	return w
}

func (p *pass) total() int { return p.count(p.r.tree.root) }

func (p *pass) canGrow(u *unit) bool {
	return len(u.members) == 1 && u.weight/float64(u.copies+1) >= p.r.pmin
}

func (p *pass) canMerge(a, b *unit) bool {
	return a != b && a.copies == 1 && b.copies == 1 && p.mergedWeight(a, b) <= p.r.pmax
}

// mergedWeight sums member weights in index order, the same order the
// output walker's weight is computed in.
func (p *pass) mergedWeight(a, b *unit) float64 {
	members := append(append([]int(nil), a.members...), b.members...)
	sort.Ints(members)
	sum := 0.0
	for _, m := range members {
		sum += p.walkers[m].Weight
	}
	return sum
}

// merge folds b into a or a into b; the lower first member keeps the group.
// Drawing the survivor pairwise in proportion to group weight gives every
// member a chance proportional to its own weight.
func (p *pass) merge(a, b *unit) *unit {
	survivor := a.survivor
	if p.rng.Float64()*(a.weight+b.weight) < b.weight {
		survivor = b.survivor
	}
	weight := p.mergedWeight(a, b)
	keep, gone := a, b
	if b.first() < a.first() {
		keep, gone = b, a
	}
	keep.members = append(keep.members, gone.members...)
	sort.Ints(keep.members)
	keep.weight = weight
	keep.survivor = survivor
	gone.alive = false
	for _, m := range gone.members {
		p.owner[m] = keep
	}
	return keep
}

// enforceBounds splits walkers above pmax and merges walkers below pmin into
// the lightest partner of the nearest enclosing region.
func (p *pass) enforceBounds() {
	for _, u := range p.units {
		if !u.alive || u.weight <= p.r.pmax {
			continue
		}
		k := int(math.Ceil(u.weight / p.r.pmax))
		for u.weight/float64(k) > p.r.pmax {
			k++
		}
		if kmax := int(math.Floor(u.weight / p.r.pmin)); k > kmax {
			k = kmax
		}
		if k > 1 {
			u.copies = k
		}
	}
	for i := range p.walkers {
		u := p.owner[i]
		if !u.alive || u.first() != i || u.copies != 1 {
			continue
		}
		for u.weight < p.r.pmin {
			partner := p.lightestPartner(u)
			if partner == nil {
				break
			}
			u = p.merge(u, partner)
		}
	}
}

func (p *pass) lightestPartner(u *unit) *unit {
	for node := p.leafOf(u); node != nil; node = node.parent {
		var best *unit
		for _, c := range p.unitsIn(node) {
			if !p.canMerge(u, c) {
				continue
			}
			if best == nil || c.weight < best.weight {
				best = c
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// enforceSize brings the walker count into [minWalkers, maxWalkers].
func (p *pass) enforceSize() {
	leaves := p.r.tree.Leaves()
	for p.r.maxWalkers > 0 && p.total() > p.r.maxWalkers {
		shrink := p.shrinkAmong(leaves)
		if shrink == nil {
			break
		}
		shrink()
	}
	for p.total() < p.r.minWalkers {
		grow := p.growAmong(leaves)
		if grow == nil {
			break
		}
		grow()
	}
}

// balance pairs a shrink in a surplus child with a grow in a deficit child
// until the occupied children of parent meet the policy targets.
func (p *pass) balance(parent *Region) {
	occupied := make([]*Region, 0, len(parent.Children))
	stats := make([]ChildStats, 0, len(parent.Children))
	total := 0
	for _, child := range parent.Children {
		n := p.count(child)
		if n == 0 {
			continue
		}
		occupied = append(occupied, child)
		stats = append(stats, ChildStats{Order: child.order, Walkers: n, Weight: p.weight(child), Effort: child.Effort})
		total += n
	}
	if len(occupied) < 2 {
		return
	}
	targets := p.r.policy.Targets(stats, total)
	current := make([]int, len(occupied))
	for i := range stats {
		current[i] = stats[i].Walkers
	}
	blockedSurplus := make([]bool, len(occupied))
	blockedDeficit := make([]bool, len(occupied))

	for {
		s, d := -1, -1
		for i := range occupied {
			if blockedSurplus[i] || current[i] <= targets[i] {
				continue
			}
			if s < 0 || current[i]-targets[i] > current[s]-targets[s] {
				s = i
			}
		}
		for i := range occupied {
			if blockedDeficit[i] || targets[i] <= current[i] {
				continue
			}
			if d < 0 || targets[i]-current[i] > targets[d]-current[d] ||
				(targets[i]-current[i] == targets[d]-current[d] && lessNeedy(stats[i], stats[d])) {
				d = i
			}
		}
		if s < 0 || d < 0 {
			return
		}
		shrink := p.shrinkAmong(leavesUnder(occupied[s], p.r.tree.Depth()))
		if shrink == nil {
			blockedSurplus[s] = true
			continue
		}
		grow := p.growAmong(leavesUnder(occupied[d], p.r.tree.Depth()))
		if grow == nil {
			blockedDeficit[d] = true
			continue
		}
		shrink()
		grow()
		current[s]--
		current[d]++
	}
}

// shrinkAmong plans a one-walker reduction in the most populated leaf that
// allows one. A clone set gives back a copy before two walkers are merged.
func (p *pass) shrinkAmong(leaves []*Region) op {
	ordered := p.populated(leaves)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].count > ordered[j].count })
	for _, lc := range ordered {
		if shrink := p.shrinkIn(lc.leaf); shrink != nil {
			return shrink
		}
	}
	return nil
}

func (p *pass) shrinkIn(leaf *Region) op {
	units := p.unitsIn(leaf)
	var set *unit
	for _, u := range units {
		if u.copies < 2 || u.weight/float64(u.copies-1) > p.r.pmax {
			continue
		}
		if set == nil || u.copies > set.copies {
			set = u
		}
	}
	if set != nil {
		return func() { set.copies-- }
	}

	singles := make([]*unit, 0, len(units))
	for _, u := range units {
		if u.copies == 1 {
			singles = append(singles, u)
		}
	}
	if len(singles) < 2 {
		return nil
	}
	sort.SliceStable(singles, func(i, j int) bool { return singles[i].weight < singles[j].weight })
	a, b := singles[0], singles[1]
	if !p.canMerge(a, b) {
		return nil
	}
	return func() { p.merge(a, b) }
}

// growAmong plans a one-walker increase in the least populated occupied leaf
// that allows one.
func (p *pass) growAmong(leaves []*Region) op {
	ordered := p.populated(leaves)
	sort.SliceStable(ordered, func(i, j int) bool {
		return lessNeedy(ordered[i].stats(), ordered[j].stats())
	})
	for _, lc := range ordered {
		if grow := p.growIn(lc.leaf); grow != nil {
			return grow
		}
	}
	return nil
}

func (p *pass) growIn(leaf *Region) op {
	var best *unit
	for _, u := range p.unitsIn(leaf) {
		if !p.canGrow(u) {
			continue
		}
		if best == nil || u.weight/float64(u.copies) > best.weight/float64(best.copies) {
			best = u
		}
	}
	if best == nil {
		return nil
	}
	return func() { best.copies++ }
}

type leafCount struct {
	leaf   *Region
	order  int
	count  int
	weight float64
}

func (lc leafCount) stats() ChildStats {
	return ChildStats{Order: lc.order, Walkers: lc.count, Weight: lc.weight, Effort: lc.leaf.Effort}
}

func (p *pass) populated(leaves []*Region) []leafCount {
	out := make([]leafCount, 0, len(leaves))
	for i, leaf := range leaves {
		if n := p.count(leaf); n > 0 {
			out = append(out, leafCount{leaf: leaf, order: i, count: n, weight: p.weight(leaf)})
		}
	}
	return out
}

// finalize lays out the output ensemble in input order: a kept walker emits
// itself, a clone set emits its copies contiguously, and a merge group emits
// its survivor at the position of its lowest member.
func (p *pass) finalize() Result {
	out := make([]model.Walker, 0, p.total())
	records := make([]model.ResamplingRecord, 0)
	for _, leaf := range p.r.tree.Leaves() {
		for n := leaf; n != nil; n = n.parent {
			n.WalkerCount = 0
		}
	}
	credit := func(leaf *Region, n int) {
		for r := leaf; r != nil; r = r.parent {
			r.WalkerCount += n
			r.Effort += n
		}
	}

	for i, w := range p.walkers {
		u := p.owner[i]
		if u.first() != i {
			continue
		}
		switch {
		case len(u.members) > 1:
			sum := 0.0
			for _, m := range u.members {
				sum += p.walkers[m].Weight
			}
			target := len(out)
			out = append(out, model.Walker{State: p.walkers[u.survivor].State.Clone(), Weight: sum})
			records = append(records, model.ResamplingRecord{
				Decision: model.DecisionMerge,
				Sources:  append([]int(nil), u.members...),
				Targets:  []int{target},
				Survivor: u.survivor,
				Region:   p.leaves[u.survivor].Path(),
				Weight:   sum,
			})
			credit(p.leaves[u.survivor], 1)
		case u.copies > 1:
			child := w.Weight / float64(u.copies)
			targets := make([]int, u.copies)
			for k := range targets {
				targets[k] = len(out)
				out = append(out, model.Walker{State: w.State.Clone(), Weight: child})
			}
			records = append(records, model.ResamplingRecord{
				Decision: model.DecisionClone,
				Sources:  []int{i},
				Targets:  targets,
				Survivor: i,
				Region:   p.leaves[i].Path(),
				Weight:   child,
			})
			credit(p.leaves[i], u.copies)
		default:
			out = append(out, w.Clone())
			credit(p.leaves[i], 1)
		}
	}
	return Result{Walkers: out, Records: records}
}
