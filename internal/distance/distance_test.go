package distance

import (
	"math"
	"testing"

	"wexplore/internal/model"
)

func TestPairDistanceComparesSeparations(t *testing.T) {
	d := PairDistance{}
	a := d.Image(model.State{Positions: [][3]float64{{0, 0, 0}, {0.3, 0, 0}}})
	b := d.Image(model.State{Positions: [][3]float64{{1, 1, 1}, {1, 1.7, 1}}})
	got := d.ImageDistance(a, b)
	if math.Abs(got-0.4) > 1e-12 {
		t.Fatalf("unexpected pair distance: %f", got)
	}
}

func TestRMSDDistance(t *testing.T) {
	d := RMSDDistance{Indices: []int{0, 1}}
	a := d.Image(model.State{Positions: [][3]float64{{0, 0, 0}, {1, 0, 0}, {9, 9, 9}}})
	b := d.Image(model.State{Positions: [][3]float64{{0, 0, 2}, {1, 0, 2}, {0, 0, 0}}})
	if got := d.ImageDistance(a, b); math.Abs(got-2) > 1e-12 {
		t.Fatalf("unexpected rmsd: %f", got)
	}
	if got := d.ImageDistance(a, model.Image{1, 2}); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf for mismatched images, got %f", got)
	}
}

func TestRMSDDistanceOutOfRangeIndex(t *testing.T) {
	d := RMSDDistance{Indices: []int{5}}
	img := d.Image(model.State{Positions: [][3]float64{{0, 0, 0}}})
	if got := d.ImageDistance(img, img); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf for missing particle, got %f", got)
	}
}

func TestNewAndSpecRoundTrip(t *testing.T) {
	d, err := New(model.DistanceSpec{Kind: "rmsd", Indices: []int{2, 3}})
	if err != nil {
		t.Fatalf("new distance: %v", err)
	}
	spec := Spec(d)
	if spec.Kind != "rmsd" || len(spec.Indices) != 2 || spec.Indices[1] != 3 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if _, err := New(model.DistanceSpec{Kind: "dtw"}); err == nil {
		t.Fatal("expected unsupported distance error")
	}
}
