package storage

import (
	"context"

	"wexplore/internal/model"
)

// Store persists run metadata and per-cycle records so a campaign can be
// inspected and its ancestry rebuilt after the fact.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCycle(ctx context.Context, record model.CycleRecord) error
	GetCycle(ctx context.Context, runID string, cycle int) (model.CycleRecord, bool, error)
	ListCycles(ctx context.Context, runID string) ([]model.CycleRecord, error)
}
