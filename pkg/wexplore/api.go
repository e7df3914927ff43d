// Package wexplore is the public entry point for running, resuming and
// inspecting weighted-ensemble simulations.
package wexplore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"wexplore/internal/boundary"
	"wexplore/internal/checkpoint"
	"wexplore/internal/config"
	"wexplore/internal/dispatch"
	"wexplore/internal/lineage"
	"wexplore/internal/logging"
	"wexplore/internal/model"
	"wexplore/internal/orchestrator"
	"wexplore/internal/reporter"
	"wexplore/internal/resample"
	"wexplore/internal/runner"
	"wexplore/internal/storage"
	"wexplore/internal/telemetry"
)

type Options struct {
	// Config defaults to config.Default().
	Config  *config.Config
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type Client struct {
	cfg         *config.Config
	store       storage.Store
	checkpoints *checkpoint.FileStore
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

type RunRequest struct {
	// RunID overrides run.run_id from the configuration.
	RunID string
	// Cycles overrides run.cycles when positive.
	Cycles int
	// SegmentLengths holds one length per cycle or a single shared length;
	// empty uses run.segment_length.
	SegmentLengths []int
}

type ResumeRequest struct {
	// RunID resumes from the latest checkpoint of that run. Ignored when
	// CheckpointPath is set.
	RunID          string
	CheckpointPath string
	// NewRunID names the continuation; empty generates one.
	NewRunID       string
	Cycles         int
	SegmentLengths []int
}

type RunSummary struct {
	RunID          string
	RunIndex       int
	ParentRun      string
	FirstCycle     int
	LastCycle      int
	Walkers        int
	Status         string
	CheckpointPath string
	Regions        []int
}

type CheckpointSummary struct {
	RunID         string
	RunIndex      int
	ParentRun     string
	CycleIndex    int
	Seed          int64
	Walkers       int
	TotalWeight   float64
	MinWeight     float64
	MaxWeight     float64
	ResamplerKind string
	BoundaryKind  string
	Regions       []int
	CreatedAt     time.Time
}

type LineageRequest struct {
	RunID  string
	Cycle  int
	Walker int
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("wexplore")
	}
	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path, logger.With(slog.String("component", "storage")))
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return &Client{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		metrics:     opts.Metrics,
		logger:      logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Run starts a new run from the configured initial state.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := *c.cfg
	if req.RunID != "" {
		cfg.Run.RunID = req.RunID
	}
	cycles, lengths := c.schedule(req.Cycles, req.SegmentLengths)

	app, walkers, err := buildApparatus(&cfg, c.logger)
	if err != nil {
		return RunSummary{}, err
	}
	orchCfg, err := c.orchestratorConfig(&cfg)
	if err != nil {
		return RunSummary{}, err
	}
	reporters, err := c.reporters(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	o, err := orchestrator.New(ctx, orchCfg, app, walkers, c.orchestratorOptions(reporters))
	if err != nil {
		return RunSummary{}, err
	}
	return c.drive(ctx, o, cycles, lengths)
}

// Resume continues a run from a checkpoint. The propagation settings are
// taken from the configuration stored in the checkpoint so the continuation
// integrates exactly like the original run.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) (RunSummary, error) {
	cp, err := c.loadCheckpoint(ctx, req.RunID, req.CheckpointPath)
	if err != nil {
		return RunSummary{}, err
	}
	settings := *c.cfg
	if len(cp.Config) > 0 {
		stored := config.Default()
		if err := json.Unmarshal(cp.Config, stored); err != nil {
			return RunSummary{}, fmt.Errorf("decode configuration stored in checkpoint: %w", err)
		}
		settings = *stored
	}
	segRunner, err := newRunner(settings.Runner)
	if err != nil {
		return RunSummary{}, err
	}
	// dispatch, reporting and checkpointing follow the current configuration
	current := settings
	current.Dispatch = c.cfg.Dispatch
	current.Checkpoint = c.cfg.Checkpoint
	current.Reporters = c.cfg.Reporters
	current.Run.RunID = req.NewRunID
	orchCfg, err := c.orchestratorConfig(&current)
	if err != nil {
		return RunSummary{}, err
	}
	reporters, err := c.reporters(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	o, err := orchestrator.FromCheckpoint(ctx, cp, segRunner, orchCfg, c.orchestratorOptions(reporters))
	if err != nil {
		return RunSummary{}, err
	}
	cycles, lengths := c.scheduleFrom(&settings, req.Cycles, req.SegmentLengths)
	return c.drive(ctx, o, cycles, lengths)
}

func (c *Client) drive(ctx context.Context, o *orchestrator.Orchestrator, cycles int, lengths []int) (RunSummary, error) {
	first := o.Cycle() + 1
	runErr := o.Run(ctx, cycles, lengths)
	closeErr := o.Close(ctx)

	_, path := o.LastCheckpoint()
	summary := RunSummary{
		RunID:          o.RunID(),
		RunIndex:       o.RunIndex(),
		ParentRun:      o.ParentRun(),
		FirstCycle:     first,
		LastCycle:      o.Cycle(),
		Walkers:        len(o.Walkers()),
		Status:         string(o.Status()),
		CheckpointPath: path,
	}
	if rec, ok := o.LastRecord(); ok {
		summary.Regions = rec.RegionCounts
	}
	if runErr != nil {
		return summary, runErr
	}
	return summary, closeErr
}

func (c *Client) schedule(cycles int, lengths []int) (int, []int) {
	return c.scheduleFrom(c.cfg, cycles, lengths)
}

func (c *Client) scheduleFrom(cfg *config.Config, cycles int, lengths []int) (int, []int) {
	if cycles <= 0 {
		cycles = c.cfg.Run.Cycles
	}
	if len(lengths) == 0 {
		lengths = []int{cfg.Run.SegmentLength}
	}
	return cycles, lengths
}

func (c *Client) loadCheckpoint(ctx context.Context, runID, path string) (model.Checkpoint, error) {
	if path != "" {
		return checkpoint.Load(path)
	}
	if runID == "" {
		return model.Checkpoint{}, errors.New("run id or checkpoint path is required")
	}
	return c.checkpoints.Latest(ctx, runID)
}

func (c *Client) orchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	settings, err := json.Marshal(cfg)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("encode configuration: %w", err)
	}
	return orchestrator.Config{
		RunID:   cfg.Run.RunID,
		Seed:    cfg.Run.Seed,
		Workers: cfg.Dispatch.Workers,
		Retry: dispatch.RetryPolicy{
			Budget:         cfg.Dispatch.RetryBudget,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
			BackoffFactor:  cfg.Dispatch.BackoffFactor,
		},
		CheckpointInterval:  cfg.Checkpoint.Interval,
		FailOnReporterError: cfg.Reporters.FailOnError,
		Settings:            settings,
	}, nil
}

func (c *Client) orchestratorOptions(reporters []reporter.Reporter) orchestrator.Options {
	return orchestrator.Options{
		Reporters:   reporters,
		Checkpoints: c.checkpoints,
		Metrics:     c.metrics,
		Logger:      c.logger.With(slog.String("component", "orchestrator")),
	}
}

func (c *Client) reporters(ctx context.Context) ([]reporter.Reporter, error) {
	rc := c.cfg.Reporters
	out := make([]reporter.Reporter, 0, 4)
	if rc.JSONL != "" {
		out = append(out, reporter.NewJSONLReporter(rc.JSONL))
	}
	if rc.Dashboard != "" {
		dash, err := reporter.NewDashboardReporter(rc.Dashboard, rc.DashboardMode)
		if err != nil {
			return nil, err
		}
		out = append(out, dash)
	}
	if rc.Store {
		if err := c.store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		out = append(out, reporter.NewStoreReporter(c.store))
	}
	if c.metrics != nil {
		out = append(out, reporter.NewMetricsReporter(c.metrics))
	}
	return out, nil
}

// Inspect summarizes a checkpoint without running anything.
func (c *Client) Inspect(ctx context.Context, runID, path string) (CheckpointSummary, error) {
	cp, err := c.loadCheckpoint(ctx, runID, path)
	if err != nil {
		return CheckpointSummary{}, err
	}
	summary := CheckpointSummary{
		RunID:         cp.RunID,
		RunIndex:      cp.RunIndex,
		ParentRun:     cp.ParentRun,
		CycleIndex:    cp.CycleIndex,
		Seed:          cp.Seed,
		Walkers:       len(cp.Walkers),
		TotalWeight:   model.TotalWeight(cp.Walkers),
		MinWeight:     math.Inf(1),
		MaxWeight:     math.Inf(-1),
		ResamplerKind: cp.Resampler.Kind,
		BoundaryKind:  cp.Boundary.Kind,
		CreatedAt:     cp.CreatedAt,
	}
	for _, w := range cp.Walkers {
		summary.MinWeight = math.Min(summary.MinWeight, w.Weight)
		summary.MaxWeight = math.Max(summary.MaxWeight, w.Weight)
	}
	if cp.Resampler.Tree != nil {
		summary.Regions = make([]int, len(cp.Resampler.MaxRegionSizes))
		countRegions(*cp.Resampler.Tree, summary.Regions)
	}
	return summary, nil
}

func countRegions(node model.RegionState, counts []int) {
	for _, child := range node.Children {
		if child.Level >= 1 && child.Level <= len(counts) {
			counts[child.Level-1]++
		}
		countRegions(child, counts)
	}
}

// Checkpoints lists the checkpoint files of a run in cycle order.
func (c *Client) Checkpoints(runID string) ([]string, error) {
	return c.checkpoints.List(runID)
}

// CheckpointRuns lists the runs that have a checkpoint directory.
func (c *Client) CheckpointRuns() ([]string, error) {
	return c.checkpoints.Runs()
}

// Runs lists runs recorded in the storage backend.
func (c *Client) Runs(ctx context.Context) ([]model.RunRecord, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return c.store.ListRuns(ctx)
}

// Lineage walks a walker's ancestry back through its run and every run it
// continues. Cycle records must have been stored (reporters.store).
func (c *Client) Lineage(ctx context.Context, req LineageRequest) ([]lineage.Step, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	byCycle := make(map[int]model.CycleRecord)
	seen := make(map[string]bool)
	for runID := req.RunID; runID != "" && !seen[runID]; {
		seen[runID] = true
		records, err := c.store.ListCycles(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			// a continuation replaces cycles its parent ran past the
			// checkpoint it resumed from
			if _, ok := byCycle[rec.Cycle]; !ok {
				byCycle[rec.Cycle] = rec
			}
		}
		run, ok, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		runID = run.ParentRun
	}
	if len(byCycle) == 0 {
		return nil, fmt.Errorf("no cycle records stored for run %s", req.RunID)
	}
	records := make([]model.CycleRecord, 0, len(byCycle))
	for cycle := req.Cycle; ; cycle-- {
		rec, ok := byCycle[cycle]
		if !ok {
			break
		}
		records = append(records, rec)
	}
	table, err := lineage.Build(records)
	if err != nil {
		return nil, err
	}
	return table.Ancestry(req.Cycle, req.Walker)
}

func buildApparatus(cfg *config.Config, logger *slog.Logger) (orchestrator.Apparatus, []model.Walker, error) {
	initial := model.State{Positions: append([][3]float64(nil), cfg.System.Positions...)}

	segRunner, err := newRunner(cfg.Runner)
	if err != nil {
		return orchestrator.Apparatus{}, nil, err
	}
	minWalkers, maxWalkers := cfg.Resampler.WalkerBounds(cfg.Run.Walkers)
	res, err := resample.New(resample.Config{
		Kind:           cfg.Resampler.Kind,
		PMin:           cfg.Resampler.PMin,
		PMax:           cfg.Resampler.PMax,
		MaxRegionSizes: cfg.Resampler.MaxRegionSizes,
		MaxNRegions:    cfg.Resampler.MaxNRegions,
		MinWalkers:     minWalkers,
		MaxWalkers:     maxWalkers,
		Occupancy:      cfg.Resampler.Occupancy,
		Distance: model.DistanceSpec{
			Kind:    cfg.Resampler.Distance.Kind,
			Indices: cfg.Resampler.Distance.Indices,
		},
		Seed:   cfg.Run.Seed,
		Logger: logger.With(slog.String("component", "resample")),
	}, initial)
	if err != nil {
		return orchestrator.Apparatus{}, nil, err
	}
	var bc boundary.Condition = boundary.NoBC{}
	if cfg.Boundary.Kind == boundary.KindUnbinding {
		bc, err = boundary.NewUnbinding(boundary.UnbindingConfig{
			Cutoff:       cfg.Boundary.Cutoff,
			References:   []model.State{initial},
			LigandIdxs:   cfg.Boundary.LigandIdxs,
			ReceptorIdxs: cfg.Boundary.ReceptorIdxs,
		})
		if err != nil {
			return orchestrator.Apparatus{}, nil, err
		}
	}
	app := orchestrator.Apparatus{Runner: segRunner, Boundary: bc, Resampler: res}
	return app, model.UniformWalkers(initial, cfg.Run.Walkers), nil
}

func newRunner(rc config.RunnerConfig) (runner.SegmentRunner, error) {
	return runner.New(runner.Spec{
		Kind:        rc.Kind,
		StepSize:    rc.StepSize,
		Diffusion:   rc.Diffusion,
		Epsilon:     rc.Epsilon,
		Sigma:       rc.Sigma,
		MaxDistance: rc.MaxDistance,
	})
}
