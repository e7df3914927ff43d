package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"wexplore/internal/boundary"
	"wexplore/internal/checkpoint"
	"wexplore/internal/dispatch"
	"wexplore/internal/logging"
	"wexplore/internal/model"
	"wexplore/internal/reporter"
	"wexplore/internal/resample"
	"wexplore/internal/runner"
)

const testSeed = 11

func pairState(sep float64) model.State {
	return model.State{Positions: [][3]float64{{0, 0, 0}, {sep, 0, 0}}}
}

type recordingReporter struct {
	mu      sync.Mutex
	name    string
	err     error
	inits   int
	cleanup int
	records []model.CycleRecord
}

func (r *recordingReporter) Name() string {
	if r.name == "" {
		return "recording"
	}
	return r.name
}

func (r *recordingReporter) Init(context.Context, reporter.RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits++
	return nil
}

func (r *recordingReporter) Report(_ context.Context, rec model.CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingReporter) Cleanup(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup++
	return nil
}

func newApparatus(t *testing.T, segRunner runner.SegmentRunner) Apparatus {
	t.Helper()
	initial := pairState(0.34)
	res, err := resample.New(resample.Config{
		Kind:           resample.KindWExplore,
		PMin:           1e-12,
		PMax:           0.5,
		MaxRegionSizes: []float64{0.1, 0.05},
		MaxNRegions:    []int{4, 4},
		MinWalkers:     8,
		MaxWalkers:     8,
		Distance:       model.DistanceSpec{Kind: "pair"},
		Seed:           testSeed,
		Logger:         logging.Discard(),
	}, initial)
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	bc, err := boundary.NewUnbinding(boundary.UnbindingConfig{
		Cutoff:       0.5,
		References:   []model.State{initial},
		LigandIdxs:   []int{1},
		ReceptorIdxs: []int{0},
	})
	if err != nil {
		t.Fatalf("new boundary: %v", err)
	}
	return Apparatus{Runner: segRunner, Boundary: bc, Resampler: res}
}

func brownian(t *testing.T) runner.SegmentRunner {
	t.Helper()
	r, err := runner.NewBrownianPairRunner(runner.BrownianPairConfig{
		StepSize:  0.0001,
		Diffusion: 1,
		Epsilon:   1,
		Sigma:     0.3,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func testConfig(runID string) Config {
	return Config{
		RunID:    runID,
		Seed:     testSeed,
		Workers:  3,
		Retry:    dispatch.RetryPolicy{Budget: 1},
		Settings: json.RawMessage(`{"run":{"seed":11}}`),
	}
}

func newTestOrchestrator(t *testing.T, runID string, segRunner runner.SegmentRunner, opts Options) *Orchestrator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	o, err := New(context.Background(), testConfig(runID), newApparatus(t, segRunner), model.UniformWalkers(pairState(0.34), 8), opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestNewRejectsBadEnsemble(t *testing.T) {
	ctx := context.Background()
	app := newApparatus(t, runner.NoRunner{})
	opts := Options{Logger: logging.Discard()}

	walkers := model.UniformWalkers(pairState(0.34), 8)
	walkers[0].Weight = 0.2
	if _, err := New(ctx, testConfig("a"), app, walkers, opts); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for weights not summing to 1, got=%v", err)
	}
	if _, err := New(ctx, testConfig("a"), app, nil, opts); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty ensemble, got=%v", err)
	}
	if _, err := New(ctx, testConfig("a"), Apparatus{}, model.UniformWalkers(pairState(0.34), 8), opts); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without runner, got=%v", err)
	}
	if _, err := New(ctx, testConfig("a"), app, model.UniformWalkers(pairState(0.34), 4), opts); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected size bound violation, got=%v", err)
	}
}

func TestNewWritesConstructionCheckpoint(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	o := newTestOrchestrator(t, "run-init", runner.NoRunner{}, Options{Checkpoints: store})
	if o.Status() != StatusCheckpointed || o.Cycle() != -1 {
		t.Fatalf("unexpected state after construction: status=%s cycle=%d", o.Status(), o.Cycle())
	}
	cp, path := o.LastCheckpoint()
	if filepath.Base(path) != "initial.json" {
		t.Fatalf("unexpected construction checkpoint path: %s", path)
	}
	loaded, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunIndex != 0 || loaded.CycleIndex != -1 || loaded.RunID != "run-init" {
		t.Fatalf("unexpected checkpoint header: %+v", loaded)
	}
	if diff := cmp.Diff(cp.Walkers, loaded.Walkers); diff != "" {
		t.Fatalf("walkers mismatch (-want +got):\n%s", diff)
	}
}

func TestRunConservesWeightAndCheckpointsEveryCycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	rec := &recordingReporter{}
	o := newTestOrchestrator(t, "run-a", brownian(t), Options{Checkpoints: store, Reporters: []reporter.Reporter{rec}})

	if err := o.Run(ctx, 3, []int{200}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.Status() != StatusCompleted || o.Cycle() != 2 {
		t.Fatalf("unexpected final state: status=%s cycle=%d", o.Status(), o.Cycle())
	}
	if len(rec.records) != 3 || rec.inits != 1 {
		t.Fatalf("expected 3 records after 1 init, got records=%d inits=%d", len(rec.records), rec.inits)
	}
	for i, r := range rec.records {
		if r.Cycle != i {
			t.Fatalf("record %d has cycle %d", i, r.Cycle)
		}
		if !model.WeightsConserved(1.0, model.TotalWeight(r.Walkers)) {
			t.Fatalf("cycle %d weight drifted: %.15f", i, model.TotalWeight(r.Walkers))
		}
		if len(r.Walkers) != 8 || r.InputWalkers != 8 || len(r.Progress) != 8 {
			t.Fatalf("cycle %d unexpected sizes: %+v", i, r)
		}
	}

	paths, err := store.List("run-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	want := []string{"initial.json", "cycle-000000.json", "cycle-000001.json", "cycle-000002.json"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("checkpoint files mismatch (-want +got):\n%s", diff)
	}

	if err := o.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.cleanup != 1 {
		t.Fatalf("expected one cleanup, got=%d", rec.cleanup)
	}
}

func TestRunHonorsCheckpointInterval(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cfg := testConfig("run-interval")
	cfg.CheckpointInterval = 2
	o, err := New(context.Background(), cfg, newApparatus(t, runner.NoRunner{}), model.UniformWalkers(pairState(0.34), 8),
		Options{Checkpoints: store, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := o.Run(context.Background(), 3, []int{1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	paths, err := store.List("run-interval")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected initial + cycles 1 and 2, got=%v", paths)
	}
	if filepath.Base(paths[1]) != "cycle-000001.json" || filepath.Base(paths[2]) != "cycle-000002.json" {
		t.Fatalf("unexpected checkpoint files: %v", paths)
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()

	fullStore, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	full := &recordingReporter{}
	a := newTestOrchestrator(t, "full", brownian(t), Options{Checkpoints: fullStore, Reporters: []reporter.Reporter{full}})
	if err := a.Run(ctx, 4, []int{300}); err != nil {
		t.Fatalf("uninterrupted run: %v", err)
	}

	splitStore, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	b := newTestOrchestrator(t, "split", brownian(t), Options{Checkpoints: splitStore})
	if err := b.Run(ctx, 2, []int{300}); err != nil {
		t.Fatalf("first half: %v", err)
	}
	cp, err := splitStore.Latest(ctx, "split")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp.CycleIndex != 1 {
		t.Fatalf("expected checkpoint after cycle 1, got=%d", cp.CycleIndex)
	}

	resumed := &recordingReporter{}
	c, err := Resume(ctx, cp, brownian(t), testConfig(""), Options{
		Checkpoints: splitStore,
		Reporters:   []reporter.Reporter{resumed},
		Logger:      logging.Discard(),
	}, 2, []int{300})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.RunIndex() != 1 || c.ParentRun() != "split" || c.RunID() == "split" {
		t.Fatalf("unexpected resumed identity: index=%d parent=%s id=%s", c.RunIndex(), c.ParentRun(), c.RunID())
	}
	if len(resumed.records) != 2 || resumed.records[0].Cycle != 2 {
		t.Fatalf("expected cycles 2 and 3 after resume, got=%d records", len(resumed.records))
	}

	for i, got := range resumed.records {
		want := full.records[2+i]
		want.RunID, got.RunID = "", ""
		wantJSON, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(wantJSON) != string(gotJSON) {
			t.Fatalf("cycle %d differs after resume:\nwant %s\ngot  %s", want.Cycle, wantJSON, gotJSON)
		}
	}
	if diff := cmp.Diff(a.Walkers(), c.Walkers()); diff != "" {
		t.Fatalf("final ensembles differ (-want +got):\n%s", diff)
	}
}

type failingRunner struct {
	walker int
}

func (failingRunner) Name() string { return "failing" }

func (r failingRunner) RunSegment(_ context.Context, state model.State, seg runner.Segment) (model.State, error) {
	if seg.Walker == r.walker {
		return model.State{}, errors.New("device lost")
	}
	return state, nil
}

func TestDispatchFailureHaltsWithoutMutation(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	o := newTestOrchestrator(t, "run-fail", failingRunner{walker: 2}, Options{Checkpoints: store})
	before := o.Walkers()
	treeBefore := newApparatus(t, runner.NoRunner{}).Resampler.State()

	err = o.Run(context.Background(), 2, []int{10})
	if !errors.Is(err, dispatch.ErrSegmentFailed) {
		t.Fatalf("expected ErrSegmentFailed, got=%v", err)
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Stage != StageDispatch || cycleErr.Cycle != 0 {
		t.Fatalf("expected dispatch CycleError for cycle 0, got=%v", err)
	}
	var slotErr *dispatch.SlotError
	if !errors.As(err, &slotErr) || slotErr.Index != 2 || slotErr.Attempts != 2 {
		t.Fatalf("expected slot 2 to fail after 2 attempts, got=%v", err)
	}
	if o.Status() != StatusFailed || o.Cycle() != -1 {
		t.Fatalf("unexpected state: status=%s cycle=%d", o.Status(), o.Cycle())
	}
	if diff := cmp.Diff(before, o.Walkers()); diff != "" {
		t.Fatalf("ensemble mutated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(treeBefore.Tree, o.app.Resampler.State().Tree); diff != "" {
		t.Fatalf("region tree mutated (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-fail", checkpoint.FileName(0))); !os.IsNotExist(err) {
		t.Fatalf("expected no checkpoint for failed cycle, stat err=%v", err)
	}
	if err := o.Run(context.Background(), 1, []int{10}); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed on rerun, got=%v", err)
	}
}

func TestReporterFailureIsolatedUnlessConfigured(t *testing.T) {
	broken := &recordingReporter{name: "broken", err: errors.New("disk full")}
	ok := &recordingReporter{name: "ok"}
	o := newTestOrchestrator(t, "run-rep", runner.NoRunner{}, Options{Reporters: []reporter.Reporter{broken, ok}})
	if err := o.Run(context.Background(), 2, []int{1}); err != nil {
		t.Fatalf("expected reporter failure to be isolated, got=%v", err)
	}
	if len(ok.records) != 2 {
		t.Fatalf("healthy reporter missed records: %d", len(ok.records))
	}

	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cfg := testConfig("run-rep-fatal")
	cfg.FailOnReporterError = true
	o, err = New(context.Background(), cfg, newApparatus(t, runner.NoRunner{}), model.UniformWalkers(pairState(0.34), 8),
		Options{Reporters: []reporter.Reporter{broken}, Checkpoints: store, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = o.Run(context.Background(), 1, []int{1})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Stage != StageReport {
		t.Fatalf("expected report stage failure, got=%v", err)
	}
	if _, path := o.LastCheckpoint(); filepath.Base(path) != "initial.json" {
		t.Fatalf("checkpoint advanced past failed report: %s", path)
	}
}

// leakyResampler drops a fraction of the weight of the first walker.
type leakyResampler struct {
	resample.NoResampler
}

func (leakyResampler) Resample(_ context.Context, walkers []model.Walker, _ int) (resample.Result, error) {
	out := model.CloneWalkers(walkers)
	out[0].Weight *= 0.5
	return resample.Result{Walkers: out}, nil
}

func TestInvariantViolationIsFatal(t *testing.T) {
	app := Apparatus{Runner: runner.NoRunner{}, Resampler: leakyResampler{}}
	o, err := New(context.Background(), testConfig("run-leak"), app, model.UniformWalkers(pairState(0.34), 4), Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = o.Run(context.Background(), 1, []int{1})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got=%v", err)
	}
	if o.Status() != StatusFailed {
		t.Fatalf("expected failed status, got=%s", o.Status())
	}
	if !model.WeightsConserved(1.0, model.TotalWeight(o.Walkers())) {
		t.Fatal("corrupted ensemble was committed")
	}
}

// flakyStore accepts the first n saves and fails afterwards.
type flakyStore struct {
	accept int
	saved  []model.Checkpoint
}

func (s *flakyStore) Save(_ context.Context, cp model.Checkpoint) (string, error) {
	if len(s.saved) >= s.accept {
		return "", errors.New("no space left on device")
	}
	s.saved = append(s.saved, cp)
	return "mem", nil
}

func TestCheckpointFailureRollsBackCycle(t *testing.T) {
	store := &flakyStore{accept: 2}
	o := newTestOrchestrator(t, "run-io", brownian(t), Options{Checkpoints: store})
	if err := o.Run(context.Background(), 1, []int{50}); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	after0 := o.Walkers()
	tree0 := o.app.Resampler.State().Tree

	err := o.Run(context.Background(), 1, []int{50})
	if !errors.Is(err, ErrCheckpointIO) {
		t.Fatalf("expected ErrCheckpointIO, got=%v", err)
	}
	if o.Cycle() != 0 {
		t.Fatalf("expected cycle to roll back to 0, got=%d", o.Cycle())
	}
	if diff := cmp.Diff(after0, o.Walkers()); diff != "" {
		t.Fatalf("ensemble not rolled back (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tree0, o.app.Resampler.State().Tree); diff != "" {
		t.Fatalf("tree not rolled back (-want +got):\n%s", diff)
	}
	if len(store.saved) != 2 || store.saved[1].CycleIndex != 0 {
		t.Fatalf("unexpected saved checkpoints: %d", len(store.saved))
	}
}

func TestRunRejectsSegmentLengths(t *testing.T) {
	o := newTestOrchestrator(t, "run-seg", runner.NoRunner{}, Options{})
	if err := o.Run(context.Background(), 3, []int{1, 2}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got=%v", err)
	}
	if err := o.Run(context.Background(), 2, []int{1, 2}); err != nil {
		t.Fatalf("per-cycle lengths: %v", err)
	}
	rec, ok := o.LastRecord()
	if !ok || rec.SegmentLen != 2 {
		t.Fatalf("expected last segment length 2, got=%+v", rec)
	}
}

func TestCancelledRunStaysResumable(t *testing.T) {
	store := &flakyStore{accept: 10}
	o := newTestOrchestrator(t, "run-cancel", runner.NoRunner{}, Options{Checkpoints: store})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx, 2, []int{1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got=%v", err)
	}
	if o.Status() != StatusCheckpointed || o.Cycle() != -1 {
		t.Fatalf("unexpected state: status=%s cycle=%d", o.Status(), o.Cycle())
	}
	if err := o.Run(context.Background(), 1, []int{1}); err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
}
