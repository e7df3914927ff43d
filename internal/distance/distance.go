// Package distance provides image extraction and image distances used to
// place walkers into resampling regions.
package distance

import (
	"fmt"
	"math"

	"wexplore/internal/model"
)

// Distance projects states onto comparable images and measures them.
type Distance interface {
	Kind() string
	Image(state model.State) model.Image
	ImageDistance(a, b model.Image) float64
}

// PairDistance uses the separation of the first two particles as the image
// and compares separations.
type PairDistance struct{}

func (PairDistance) Kind() string { return "pair" }

func (PairDistance) Image(state model.State) model.Image {
	if len(state.Positions) < 2 {
		return model.Image{0}
	}
	return model.Image{euclidean(state.Positions[0], state.Positions[1])}
}

func (PairDistance) ImageDistance(a, b model.Image) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	return math.Abs(a[0] - b[0])
}

// RMSDDistance flattens the selected particle positions into the image and
// compares images by root mean square deviation, without superposition.
type RMSDDistance struct {
	Indices []int
}

func (RMSDDistance) Kind() string { return "rmsd" }

func (d RMSDDistance) Image(state model.State) model.Image {
	indices := d.Indices
	if len(indices) == 0 {
		indices = make([]int, len(state.Positions))
		for i := range indices {
			indices[i] = i
		}
	}
	image := make(model.Image, 0, 3*len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(state.Positions) {
			image = append(image, math.NaN(), math.NaN(), math.NaN())
			continue
		}
		p := state.Positions[idx]
		image = append(image, p[0], p[1], p[2])
	}
	return image
}

func (RMSDDistance) ImageDistance(a, b model.Image) float64 {
	if len(a) != len(b) || len(a) == 0 || len(a)%3 != 0 {
		return math.Inf(1)
	}
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	rmsd := math.Sqrt(sum / float64(len(a)/3))
	if math.IsNaN(rmsd) {
		return math.Inf(1)
	}
	return rmsd
}

func New(spec model.DistanceSpec) (Distance, error) {
	switch spec.Kind {
	case "", "pair":
		return PairDistance{}, nil
	case "rmsd":
		return RMSDDistance{Indices: append([]int(nil), spec.Indices...)}, nil
	default:
		return nil, fmt.Errorf("unsupported distance: %s", spec.Kind)
	}
}

// Spec returns the serializable description of d.
func Spec(d Distance) model.DistanceSpec {
	switch v := d.(type) {
	case RMSDDistance:
		return model.DistanceSpec{Kind: v.Kind(), Indices: append([]int(nil), v.Indices...)}
	case *RMSDDistance:
		return model.DistanceSpec{Kind: v.Kind(), Indices: append([]int(nil), v.Indices...)}
	default:
		return model.DistanceSpec{Kind: d.Kind()}
	}
}

func euclidean(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
