// Package orchestrator runs the weighted-ensemble cycle loop: dispatch,
// boundary condition, resampling, reporting and checkpointing.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"wexplore/internal/boundary"
	"wexplore/internal/dispatch"
	"wexplore/internal/logging"
	"wexplore/internal/model"
	"wexplore/internal/reporter"
	"wexplore/internal/resample"
	"wexplore/internal/runner"
	"wexplore/internal/telemetry"
)

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusCheckpointed  Status = "checkpointed"
	StatusFailed        Status = "failed"
	StatusCompleted     Status = "completed"
)

type Stage string

const (
	StageDispatch   Stage = "dispatch"
	StageBoundary   Stage = "boundary"
	StageResample   Stage = "resample"
	StageReport     Stage = "report"
	StageCheckpoint Stage = "checkpoint"
)

var (
	ErrInvalidConfig      = errors.New("invalid orchestrator config")
	ErrInvariantViolation = errors.New("ensemble invariant violated")
	ErrCheckpointIO       = errors.New("checkpoint write failed")
	ErrFailed             = errors.New("orchestrator is in failed state")
)

// CycleError carries the cycle and stage a run halted in.
type CycleError struct {
	Cycle int
	Stage Stage
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %d %s: %v", e.Cycle, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// Apparatus bundles the pluggable parts of a simulation. A nil Boundary or
// Resampler passes the ensemble through.
type Apparatus struct {
	Runner    runner.SegmentRunner
	Boundary  boundary.Condition
	Resampler resample.Resampler
}

// CheckpointStore persists snapshots. Save must leave any earlier snapshot
// intact when it fails.
type CheckpointStore interface {
	Save(ctx context.Context, cp model.Checkpoint) (string, error)
}

type Config struct {
	// RunID names the run; empty generates a UUID.
	RunID   string
	Seed    int64
	Workers int
	Retry   dispatch.RetryPolicy
	// CheckpointInterval writes a checkpoint every n cycles. The last cycle
	// of every Run call is always checkpointed.
	CheckpointInterval  int
	FailOnReporterError bool
	// Settings is stored verbatim in every checkpoint.
	Settings json.RawMessage
}

type Options struct {
	Reporters   []reporter.Reporter
	Checkpoints CheckpointStore
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type Orchestrator struct {
	cfg        Config
	app        Apparatus
	opts       Options
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	runIndex   int
	parentRun  string
	startCycle int
	minWalkers int
	maxWalkers int
	pmin       float64
	pmax       float64

	walkers      []model.Walker
	cycle        int
	status       Status
	dirty        bool
	reportersUp  bool
	last         model.Checkpoint
	lastPath     string
	lastRecord   model.CycleRecord
	haveRecord   bool
}

// New validates the initial ensemble and writes the construction checkpoint
// (run index 0, cycle index -1).
func New(ctx context.Context, cfg Config, app Apparatus, walkers []model.Walker, opts Options) (*Orchestrator, error) {
	if err := validateEnsemble(walkers); err != nil {
		return nil, err
	}
	if !model.WeightsConserved(1.0, model.TotalWeight(walkers)) {
		return nil, fmt.Errorf("%w: initial weights sum to %.12g, want 1", ErrInvalidConfig, model.TotalWeight(walkers))
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	o, err := build(cfg, app, opts)
	if err != nil {
		return nil, err
	}
	o.walkers = model.CloneWalkers(walkers)
	o.cycle = -1
	o.startCycle = 0
	if err := o.checkBounds(o.walkers); err != nil {
		return nil, err
	}
	if err := o.writeCheckpoint(ctx); err != nil {
		return nil, err
	}
	o.status = StatusCheckpointed
	return o, nil
}

// FromCheckpoint rebuilds a run from cp. The resampler and boundary
// condition are reconstructed from their snapshots; the seed is taken from
// cp so the continuation matches an uninterrupted run. The resumed run gets
// a new run id (unless cfg names one) and the next run index.
func FromCheckpoint(ctx context.Context, cp model.Checkpoint, segRunner runner.SegmentRunner, cfg Config, opts Options) (*Orchestrator, error) {
	if err := validateEnsemble(cp.Walkers); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	res, err := resample.FromState(cp.Resampler, cp.Seed, logger)
	if err != nil {
		return nil, fmt.Errorf("restore resampler from %s cycle %d: %w", cp.RunID, cp.CycleIndex, err)
	}
	bc, err := boundary.FromState(cp.Boundary)
	if err != nil {
		return nil, fmt.Errorf("restore boundary condition from %s cycle %d: %w", cp.RunID, cp.CycleIndex, err)
	}
	cfg.Seed = cp.Seed
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Settings == nil {
		cfg.Settings = cp.Config
	}
	o, err := build(cfg, Apparatus{Runner: segRunner, Boundary: bc, Resampler: res}, opts)
	if err != nil {
		return nil, err
	}
	o.runIndex = cp.RunIndex + 1
	o.parentRun = cp.RunID
	o.walkers = model.CloneWalkers(cp.Walkers)
	o.cycle = cp.CycleIndex
	o.startCycle = cp.CycleIndex + 1
	if err := o.writeCheckpoint(ctx); err != nil {
		return nil, err
	}
	o.status = StatusCheckpointed
	return o, nil
}

// Resume rebuilds the run from cp and runs nCycles more.
func Resume(ctx context.Context, cp model.Checkpoint, segRunner runner.SegmentRunner, cfg Config, opts Options, nCycles int, segmentLengths []int) (*Orchestrator, error) {
	o, err := FromCheckpoint(ctx, cp, segRunner, cfg, opts)
	if err != nil {
		return nil, err
	}
	return o, o.Run(ctx, nCycles, segmentLengths)
}

func build(cfg Config, app Apparatus, opts Options) (*Orchestrator, error) {
	if app.Runner == nil {
		return nil, fmt.Errorf("%w: segment runner is required", ErrInvalidConfig)
	}
	if app.Boundary == nil {
		app.Boundary = boundary.NoBC{}
	}
	if app.Resampler == nil {
		app.Resampler = resample.NoResampler{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("orchestrator")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Workers: cfg.Workers,
		Runner:  app.Runner,
		Metrics: opts.Metrics,
		Logger:  opts.Logger.With(slog.String("stage", string(StageDispatch))),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	state := app.Resampler.State()
	return &Orchestrator{
		cfg:        cfg,
		app:        app,
		opts:       opts,
		dispatcher: dispatcher,
		logger:     opts.Logger.With(slog.String("run_id", cfg.RunID)),
		minWalkers: state.MinWalkers,
		maxWalkers: state.MaxWalkers,
		pmin:       state.PMin,
		pmax:       state.PMax,
		status:     StatusUninitialized,
	}, nil
}

func validateEnsemble(walkers []model.Walker) error {
	if len(walkers) == 0 {
		return fmt.Errorf("%w: ensemble is empty", ErrInvalidConfig)
	}
	for i, w := range walkers {
		if !(w.Weight > 0) || w.Weight > 1 || math.IsNaN(w.Weight) {
			return fmt.Errorf("%w: walker %d has weight %v outside (0, 1]", ErrInvalidConfig, i, w.Weight)
		}
	}
	return nil
}

func (o *Orchestrator) RunID() string { return o.cfg.RunID }

func (o *Orchestrator) RunIndex() int { return o.runIndex }

func (o *Orchestrator) ParentRun() string { return o.parentRun }

func (o *Orchestrator) Status() Status { return o.status }

// Cycle returns the index of the last completed cycle, -1 before the first.
func (o *Orchestrator) Cycle() int { return o.cycle }

// Walkers returns a copy of the current ensemble.
func (o *Orchestrator) Walkers() []model.Walker { return model.CloneWalkers(o.walkers) }

// LastCheckpoint returns the most recently written snapshot and its path.
func (o *Orchestrator) LastCheckpoint() (model.Checkpoint, string) { return o.last, o.lastPath }

// LastRecord returns the record of the last completed cycle.
func (o *Orchestrator) LastRecord() (model.CycleRecord, bool) {
	if !o.haveRecord {
		return model.CycleRecord{}, false
	}
	return o.lastRecord.Clone(), true
}

// Run executes nCycles cycles. segmentLengths holds one length per cycle or
// a single length used for every cycle.
func (o *Orchestrator) Run(ctx context.Context, nCycles int, segmentLengths []int) error {
	if o.status == StatusFailed {
		return ErrFailed
	}
	if nCycles < 0 {
		return fmt.Errorf("%w: negative cycle count %d", ErrInvalidConfig, nCycles)
	}
	if len(segmentLengths) != 1 && len(segmentLengths) != nCycles {
		return fmt.Errorf("%w: %d segment lengths for %d cycles", ErrInvalidConfig, len(segmentLengths), nCycles)
	}
	for _, l := range segmentLengths {
		if l < 0 {
			return fmt.Errorf("%w: negative segment length %d", ErrInvalidConfig, l)
		}
	}
	if err := o.initReporters(ctx); err != nil {
		return err
	}

	o.logger.Info("run started", "run_index", o.runIndex, "first_cycle", o.cycle+1, "cycles", nCycles, "walkers", len(o.walkers))
	for i := 0; i < nCycles; i++ {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, err)
		}
		segLen := segmentLengths[0]
		if len(segmentLengths) > 1 {
			segLen = segmentLengths[i]
		}
		cycle := o.cycle + 1
		due := (cycle+1)%o.cfg.CheckpointInterval == 0 || i == nCycles-1
		if err := o.runCycle(ctx, cycle, segLen, due); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return o.abort(ctx, err)
			}
			o.status = StatusFailed
			o.logger.Error("run failed", "cycle", cycle, "error", err)
			return err
		}
	}
	o.status = StatusCompleted
	o.logger.Info("run completed", "last_cycle", o.cycle, "walkers", len(o.walkers))
	return nil
}

// abort stops between cycles or mid-dispatch. Completed cycles that were
// not yet checkpointed are flushed so the run stays resumable.
func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	if o.dirty {
		if err := o.writeCheckpoint(context.WithoutCancel(ctx)); err != nil {
			o.status = StatusFailed
			return errors.Join(cause, err)
		}
	}
	o.status = StatusCheckpointed
	o.logger.Warn("run aborted", "last_cycle", o.cycle, "error", cause)
	return cause
}

func (o *Orchestrator) runCycle(ctx context.Context, cycle, segLen int, checkpointDue bool) error {
	o.status = StatusRunning
	started := o.opts.Now()
	o.logger.Debug("cycle started", "cycle", cycle, "walkers", len(o.walkers), "segment_length", segLen)

	// the resampler grows its tree while resampling; this snapshot lets a
	// failed cycle leave it as it was
	snapshot := o.app.Resampler.State()
	fail := func(stage Stage, err error) error {
		if restoreErr := o.app.Resampler.Restore(snapshot); restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("restore resampler: %w", restoreErr))
		}
		return &CycleError{Cycle: cycle, Stage: stage, Err: err}
	}
	before := model.TotalWeight(o.walkers)

	stageStart := time.Now()
	propagated, err := o.propagate(ctx, cycle, segLen)
	if err != nil {
		return fail(StageDispatch, err)
	}
	o.opts.Metrics.ObserveStage(string(StageDispatch), time.Since(stageStart))
	if err := o.checkWeights(before, propagated); err != nil {
		return fail(StageDispatch, err)
	}

	stageStart = time.Now()
	outcome, err := o.app.Boundary.Apply(ctx, propagated)
	if err != nil {
		return fail(StageBoundary, err)
	}
	o.opts.Metrics.ObserveStage(string(StageBoundary), time.Since(stageStart))
	if err := checkOutcome(len(propagated), outcome); err != nil {
		return fail(StageBoundary, err)
	}
	if err := o.checkWeights(before, outcome.Walkers); err != nil {
		return fail(StageBoundary, err)
	}
	for _, w := range outcome.Warps {
		o.logger.Info("walker warped", "cycle", cycle, "walker", w.WalkerIndex, "weight", w.Weight, "progress", w.Progress)
	}

	stageStart = time.Now()
	res, err := o.app.Resampler.Resample(ctx, outcome.Walkers, cycle)
	if err != nil {
		return fail(StageResample, err)
	}
	o.opts.Metrics.ObserveStage(string(StageResample), time.Since(stageStart))
	if err := validateEnsemble(res.Walkers); err != nil {
		return fail(StageResample, fmt.Errorf("%w: %v", ErrInvariantViolation, err))
	}
	if err := o.checkWeights(before, res.Walkers); err != nil {
		return fail(StageResample, err)
	}
	if err := o.checkBounds(res.Walkers); err != nil {
		return fail(StageResample, err)
	}
	o.warnWeightBounds(cycle, res.Walkers)

	record := model.CycleRecord{
		RunID:        o.cfg.RunID,
		Cycle:        cycle,
		SegmentLen:   segLen,
		InputWalkers: len(outcome.Walkers),
		Walkers:      res.Walkers,
		Resampling:   res.Records,
		Warps:        outcome.Warps,
		Progress:     outcome.Progress,
		Regions:      res.Assignments,
		RegionCounts: res.Regions,
	}
	if record.Resampling == nil {
		record.Resampling = []model.ResamplingRecord{}
	}
	if record.Warps == nil {
		record.Warps = []model.WarpRecord{}
	}

	stageStart = time.Now()
	if err := o.report(ctx, record); err != nil {
		return fail(StageReport, err)
	}
	o.opts.Metrics.ObserveStage(string(StageReport), time.Since(stageStart))

	prevWalkers, prevCycle, prevDirty := o.walkers, o.cycle, o.dirty
	o.walkers = model.CloneWalkers(res.Walkers)
	o.cycle = cycle
	o.dirty = true
	if checkpointDue {
		stageStart = time.Now()
		if err := o.writeCheckpoint(ctx); err != nil {
			o.walkers, o.cycle, o.dirty = prevWalkers, prevCycle, prevDirty
			return fail(StageCheckpoint, err)
		}
		o.opts.Metrics.ObserveStage(string(StageCheckpoint), time.Since(stageStart))
		o.status = StatusCheckpointed
	}
	o.lastRecord = record.Clone()
	o.haveRecord = true

	elapsed := o.opts.Now().Sub(started)
	o.opts.Metrics.ObserveCycle(elapsed, len(o.walkers))
	o.logger.Debug("cycle finished", "cycle", cycle, "walkers", len(o.walkers),
		"warps", len(outcome.Warps), "resampling", len(res.Records), "elapsed", elapsed)
	return nil
}

// propagate runs one segment per walker. Each walker's random stream is
// derived from the run seed, the cycle and its index, so the worker a task
// lands on does not matter.
func (o *Orchestrator) propagate(ctx context.Context, cycle, segLen int) ([]model.Walker, error) {
	tasks := make([]dispatch.Task, len(o.walkers))
	for i, w := range o.walkers {
		tasks[i] = dispatch.Task{
			Index: i,
			State: w.State,
			Segment: runner.Segment{
				Length: segLen,
				Cycle:  cycle,
				Walker: i,
				Seed:   model.DeriveSeed(o.cfg.Seed, cycle, i),
			},
		}
	}
	results, err := o.dispatcher.Propagate(ctx, tasks, o.cfg.Retry)
	if err != nil {
		return nil, err
	}
	out := make([]model.Walker, len(o.walkers))
	for i, res := range results {
		if res.Index != i {
			return nil, fmt.Errorf("%w: result %d carries index %d", ErrInvariantViolation, i, res.Index)
		}
		out[i] = model.Walker{State: res.State, Weight: o.walkers[i].Weight}
	}
	return out, nil
}

func (o *Orchestrator) checkWeights(before float64, walkers []model.Walker) error {
	after := model.TotalWeight(walkers)
	if !model.WeightsConserved(before, after) {
		return fmt.Errorf("%w: total weight %.15g, want %.15g", ErrInvariantViolation, after, before)
	}
	return nil
}

func (o *Orchestrator) checkBounds(walkers []model.Walker) error {
	n := len(walkers)
	if n < o.minWalkers || (o.maxWalkers > 0 && n > o.maxWalkers) {
		return fmt.Errorf("%w: %d walkers outside [%d, %d]", ErrInvariantViolation, n, o.minWalkers, o.maxWalkers)
	}
	return nil
}

func checkOutcome(n int, outcome boundary.Outcome) error {
	if len(outcome.Walkers) != n {
		return fmt.Errorf("%w: boundary condition returned %d walkers for %d", ErrInvariantViolation, len(outcome.Walkers), n)
	}
	seen := make(map[int]bool, len(outcome.Warps))
	for _, w := range outcome.Warps {
		if w.WalkerIndex < 0 || w.WalkerIndex >= n || seen[w.WalkerIndex] {
			return fmt.Errorf("%w: walker %d warped twice or out of range", ErrInvariantViolation, w.WalkerIndex)
		}
		seen[w.WalkerIndex] = true
	}
	return nil
}

// warnWeightBounds logs walkers the resampler could not bring into
// [pmin, pmax]; this happens while an ensemble is still converging.
func (o *Orchestrator) warnWeightBounds(cycle int, walkers []model.Walker) {
	if o.pmax <= 0 {
		return
	}
	for i, w := range walkers {
		if w.Weight < o.pmin || w.Weight > o.pmax {
			o.logger.Warn("walker weight outside bounds", "cycle", cycle, "walker", i, "weight", w.Weight, "pmin", o.pmin, "pmax", o.pmax)
		}
	}
}

func (o *Orchestrator) initReporters(ctx context.Context) error {
	if o.reportersUp {
		return nil
	}
	info := reporter.RunInfo{
		RunID:      o.cfg.RunID,
		RunIndex:   o.runIndex,
		ParentRun:  o.parentRun,
		StartCycle: o.cycle + 1,
		Walkers:    len(o.walkers),
		Seed:       o.cfg.Seed,
		Resampler:  o.app.Resampler.State(),
		Boundary:   o.app.Boundary.State(),
		StartedAt:  o.opts.Now().UTC(),
	}
	for _, r := range o.opts.Reporters {
		if err := r.Init(ctx, info); err != nil {
			o.opts.Metrics.ReporterFailed(r.Name())
			o.logger.Error("reporter init failed", "reporter", r.Name(), "error", err)
			if o.cfg.FailOnReporterError {
				return fmt.Errorf("init reporter %s: %w", r.Name(), err)
			}
		}
	}
	o.reportersUp = true
	return nil
}

// report hands every reporter its own copy of the record.
func (o *Orchestrator) report(ctx context.Context, record model.CycleRecord) error {
	for _, r := range o.opts.Reporters {
		if err := r.Report(ctx, record.Clone()); err != nil {
			o.opts.Metrics.ReporterFailed(r.Name())
			o.logger.Error("reporter failed", "reporter", r.Name(), "cycle", record.Cycle, "error", err)
			if o.cfg.FailOnReporterError {
				return fmt.Errorf("reporter %s: %w", r.Name(), err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) snapshot() model.Checkpoint {
	return model.Checkpoint{
		RunID:      o.cfg.RunID,
		RunIndex:   o.runIndex,
		ParentRun:  o.parentRun,
		CycleIndex: o.cycle,
		Seed:       o.cfg.Seed,
		Walkers:    model.CloneWalkers(o.walkers),
		Resampler:  o.app.Resampler.State(),
		Boundary:   o.app.Boundary.State(),
		Config:     append(json.RawMessage(nil), o.cfg.Settings...),
		CreatedAt:  o.opts.Now().UTC(),
	}
}

func (o *Orchestrator) writeCheckpoint(ctx context.Context) error {
	cp := o.snapshot()
	path := ""
	if o.opts.Checkpoints != nil {
		var err error
		path, err = o.opts.Checkpoints.Save(ctx, cp)
		o.opts.Metrics.CheckpointWritten(err == nil)
		if err != nil {
			o.logger.Error("checkpoint write failed", "cycle", cp.CycleIndex, "error", err)
			return fmt.Errorf("%w: cycle %d: %v", ErrCheckpointIO, cp.CycleIndex, err)
		}
		o.logger.Debug("checkpoint written", "cycle", cp.CycleIndex, "path", path)
	}
	o.last = cp
	o.lastPath = path
	o.dirty = false
	return nil
}

// Close releases the reporters.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.reportersUp {
		return nil
	}
	var errs []error
	for _, r := range o.opts.Reporters {
		if err := r.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup reporter %s: %w", r.Name(), err))
		}
	}
	o.reportersUp = false
	return errors.Join(errs...)
}
