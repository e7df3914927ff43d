// Package reporter defines the per-cycle record sink contract and the sinks
// shipped with the engine.
package reporter

import (
	"context"
	"time"

	"wexplore/internal/model"
)

// RunInfo is handed to every reporter before the first cycle of a run.
type RunInfo struct {
	RunID      string
	RunIndex   int
	ParentRun  string
	StartCycle int
	Walkers    int
	Seed       int64
	Resampler  model.ResamplerState
	Boundary   model.BoundaryState
	StartedAt  time.Time
}

// Reporter consumes cycle records. Report is called once per completed
// cycle, after resampling and before the checkpoint is written. Records are
// private copies; reporters may keep them.
type Reporter interface {
	Name() string
	Init(ctx context.Context, info RunInfo) error
	Report(ctx context.Context, record model.CycleRecord) error
	Cleanup(ctx context.Context) error
}
