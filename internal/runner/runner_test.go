package runner

import (
	"context"
	"errors"
	"math"
	"testing"

	"wexplore/internal/model"
)

func pairState(dist float64) model.State {
	return model.State{Positions: [][3]float64{{0, 0, 0}, {dist, 0, 0}}}
}

func TestNoRunnerReturnsCopy(t *testing.T) {
	in := pairState(0.4)
	out, err := NoRunner{}.RunSegment(context.Background(), in, Segment{Length: 10})
	if err != nil {
		t.Fatalf("run segment: %v", err)
	}
	out.Positions[1][0] = 5
	if in.Positions[1][0] != 0.4 {
		t.Fatal("runner output aliases input state")
	}
}

func TestBrownianPairRunnerDeterministicForSeed(t *testing.T) {
	r, err := NewBrownianPairRunner(BrownianPairConfig{StepSize: 0.002, Diffusion: 1, Epsilon: 1, Sigma: 0.3})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	seg := Segment{Length: 200, Seed: 11}
	a, err := r.RunSegment(context.Background(), pairState(0.35), seg)
	if err != nil {
		t.Fatalf("run a: %v", err)
	}
	b, err := r.RunSegment(context.Background(), pairState(0.35), seg)
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	if a.Positions[1] != b.Positions[1] || a.Time != b.Time {
		t.Fatalf("expected identical trajectories, got %+v vs %+v", a, b)
	}
	if math.Abs(a.Time-0.4) > 1e-12 {
		t.Fatalf("unexpected time advance: %f", a.Time)
	}

	seg.Seed = 12
	c, err := r.RunSegment(context.Background(), pairState(0.35), seg)
	if err != nil {
		t.Fatalf("run c: %v", err)
	}
	if c.Positions[1] == a.Positions[1] {
		t.Fatal("expected a different trajectory for a different seed")
	}
}

func TestBrownianPairRunnerRejectsSingleParticle(t *testing.T) {
	r, err := NewBrownianPairRunner(BrownianPairConfig{StepSize: 0.01, Diffusion: 1})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	_, err = r.RunSegment(context.Background(), model.State{Positions: [][3]float64{{0, 0, 0}}}, Segment{Length: 1})
	if !IsUnrecoverable(err) {
		t.Fatalf("expected unrecoverable error, got %v", err)
	}
}

func TestBrownianPairRunnerDivergence(t *testing.T) {
	r, err := NewBrownianPairRunner(BrownianPairConfig{StepSize: 0.01, Diffusion: 1, MaxDistance: 0.5})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	_, err = r.RunSegment(context.Background(), pairState(5.0), Segment{Length: 1, Seed: 1})
	if !IsUnrecoverable(err) {
		t.Fatalf("expected divergence to be unrecoverable, got %v", err)
	}
}

func TestUnrecoverableWrapsCause(t *testing.T) {
	cause := errors.New("nan energy")
	err := Unrecoverable(cause)
	if !errors.Is(err, cause) || !IsUnrecoverable(err) {
		t.Fatalf("expected wrapped cause and marker, got %v", err)
	}
	if IsUnrecoverable(cause) {
		t.Fatal("plain error must not be unrecoverable")
	}
	if Unrecoverable(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}

func TestNewRunnerUnsupported(t *testing.T) {
	if _, err := New(Spec{Kind: "openmm"}); err == nil {
		t.Fatal("expected unsupported runner error")
	}
	if r, err := New(Spec{}); err != nil || r.Name() != "none" {
		t.Fatalf("expected default no runner, got %v %v", r, err)
	}
}
