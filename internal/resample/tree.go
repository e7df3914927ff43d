package resample

import (
	"fmt"
	"math"

	"wexplore/internal/distance"
	"wexplore/internal/model"
)

// Region is one node of the region tree. The root sits at level 0 and
// covers everything; leaves sit at level len(sizes).
type Region struct {
	Image       model.Image
	Radius      float64
	Level       int
	WalkerCount int
	Effort      int
	Children    []*Region

	parent *Region
	order  int
}

func (r *Region) Parent() *Region { return r.parent }

func (r *Region) IsLeaf(depth int) bool { return r.Level == depth }

// Path returns the child indices from the root down to r.
func (r *Region) Path() []int {
	path := make([]int, r.Level)
	for n := r; n.parent != nil; n = n.parent {
		path[n.Level-1] = n.order
	}
	return path
}

// Tree is the growing hierarchical partition of image space.
type Tree struct {
	root  *Region
	sizes []float64
	caps  []int
	dist  distance.Distance
}

// NewTree builds a tree seeded with a single chain centered on image.
func NewTree(image model.Image, sizes []float64, caps []int, dist distance.Distance) (*Tree, error) {
	if err := validateLevels(sizes, caps); err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, fmt.Errorf("%w: distance is required", ErrInvalidConfig)
	}
	t := &Tree{
		root:  &Region{Image: cloneImage(image), Radius: math.Inf(1)},
		sizes: append([]float64(nil), sizes...),
		caps:  append([]int(nil), caps...),
		dist:  dist,
	}
	t.growChain(t.root, image)
	return t, nil
}

func validateLevels(sizes []float64, caps []int) error {
	if len(sizes) == 0 {
		return fmt.Errorf("%w: at least one region level is required", ErrInvalidConfig)
	}
	if len(sizes) != len(caps) {
		return fmt.Errorf("%w: %d region sizes but %d child caps", ErrInvalidConfig, len(sizes), len(caps))
	}
	for i := range sizes {
		if !(sizes[i] > 0) || math.IsInf(sizes[i], 0) {
			return fmt.Errorf("%w: region size at level %d must be positive, got %v", ErrInvalidConfig, i+1, sizes[i])
		}
		if caps[i] < 1 {
			return fmt.Errorf("%w: child cap at level %d must be >= 1, got %d", ErrInvalidConfig, i+1, caps[i])
		}
	}
	return nil
}

func (t *Tree) Depth() int { return len(t.sizes) }

func (t *Tree) Root() *Region { return t.root }

func (t *Tree) addChild(parent *Region, image model.Image) *Region {
	level := parent.Level + 1
	child := &Region{
		Image:  cloneImage(image),
		Radius: t.sizes[level-1],
		Level:  level,
		parent: parent,
		order:  len(parent.Children),
	}
	parent.Children = append(parent.Children, child)
	return child
}

func (t *Tree) growChain(from *Region, image model.Image) *Region {
	node := from
	for node.Level < t.Depth() {
		node = t.addChild(node, image)
	}
	return node
}

// Assign places image into the tree, creating regions where it falls outside
// every existing child and the parent still has room.
func (t *Tree) Assign(image model.Image) *Region {
	node := t.root
	for node.Level < t.Depth() {
		if len(node.Children) == 0 {
			return t.growChain(node, image)
		}
		nearest, d := t.nearestChild(node, image)
		switch {
		case d <= t.sizes[node.Level]:
			node = nearest
		case len(node.Children) < t.caps[node.Level]:
			return t.growChain(node, image)
		default:
			node = nearest
		}
	}
	return node
}

func (t *Tree) nearestChild(node *Region, image model.Image) (*Region, float64) {
	best := node.Children[0]
	bestD := t.dist.ImageDistance(image, best.Image)
	for _, child := range node.Children[1:] {
		if d := t.dist.ImageDistance(image, child.Image); d < bestD {
			best, bestD = child, d
		}
	}
	return best, bestD
}

// Leaves returns all leaves in depth-first child order.
func (t *Tree) Leaves() []*Region {
	return leavesUnder(t.root, t.Depth())
}

func leavesUnder(node *Region, depth int) []*Region {
	if node.Level == depth {
		return []*Region{node}
	}
	out := make([]*Region, 0)
	for _, child := range node.Children {
		out = append(out, leavesUnder(child, depth)...)
	}
	return out
}

// Level returns the regions at a level in depth-first order.
func (t *Tree) Level(level int) []*Region {
	out := make([]*Region, 0)
	var walk func(*Region)
	walk = func(n *Region) {
		if n.Level == level {
			out = append(out, n)
			return
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(t.root)
	return out
}

// Counts returns the number of regions per level, excluding the root.
func (t *Tree) Counts() []int {
	counts := make([]int, t.Depth())
	for level := 1; level <= t.Depth(); level++ {
		counts[level-1] = len(t.Level(level))
	}
	return counts
}

// Lookup returns the region at path, or nil.
func (t *Tree) Lookup(path []int) *Region {
	node := t.root
	for _, idx := range path {
		if idx < 0 || idx >= len(node.Children) {
			return nil
		}
		node = node.Children[idx]
	}
	return node
}

func (t *Tree) State() *model.RegionState {
	state := regionState(t.root)
	state.Radius = 0
	return &state
}

func regionState(r *Region) model.RegionState {
	out := model.RegionState{
		Image:       cloneImage(r.Image),
		Radius:      r.Radius,
		Level:       r.Level,
		WalkerCount: r.WalkerCount,
		Effort:      r.Effort,
	}
	if len(r.Children) > 0 {
		out.Children = make([]model.RegionState, len(r.Children))
		for i, child := range r.Children {
			out.Children[i] = regionState(child)
		}
	}
	return out
}

// treeFromState rebuilds a tree and its parent links. The root radius is not
// serializable as +Inf in JSON and is restored here.
func treeFromState(state model.RegionState, sizes []float64, caps []int, dist distance.Distance) (*Tree, error) {
	if err := validateLevels(sizes, caps); err != nil {
		return nil, err
	}
	t := &Tree{
		sizes: append([]float64(nil), sizes...),
		caps:  append([]int(nil), caps...),
		dist:  dist,
	}
	root, err := t.regionFromState(state, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	root.Radius = math.Inf(1)
	t.root = root
	return t, nil
}

func (t *Tree) regionFromState(state model.RegionState, parent *Region, level, order int) (*Region, error) {
	if state.Level != level {
		return nil, fmt.Errorf("%w: region at level %d recorded as level %d", ErrInvalidState, level, state.Level)
	}
	if level < t.Depth() && len(state.Children) == 0 {
		return nil, fmt.Errorf("%w: interior region at level %d has no children", ErrInvalidState, level)
	}
	if level == t.Depth() && len(state.Children) > 0 {
		return nil, fmt.Errorf("%w: leaf region has children", ErrInvalidState)
	}
	if level < t.Depth() && len(state.Children) > t.caps[level] {
		return nil, fmt.Errorf("%w: %d children exceed cap %d at level %d", ErrInvalidState, len(state.Children), t.caps[level], level+1)
	}
	r := &Region{
		Image:       cloneImage(state.Image),
		Radius:      state.Radius,
		Level:       level,
		WalkerCount: state.WalkerCount,
		Effort:      state.Effort,
		parent:      parent,
		order:       order,
	}
	for i, child := range state.Children {
		c, err := t.regionFromState(child, r, level+1, i)
		if err != nil {
			return nil, err
		}
		r.Children = append(r.Children, c)
	}
	return r, nil
}

func cloneImage(image model.Image) model.Image {
	if image == nil {
		return nil
	}
	return append(model.Image(nil), image...)
}
