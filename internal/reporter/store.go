package reporter

import (
	"context"
	"fmt"

	"wexplore/internal/model"
	"wexplore/internal/storage"
)

// StoreReporter writes the run record on Init and every cycle record to a
// storage backend. The caller owns the store and closes it.
type StoreReporter struct {
	store storage.Store
}

func NewStoreReporter(store storage.Store) *StoreReporter {
	return &StoreReporter{store: store}
}

func (r *StoreReporter) Name() string { return "store" }

func (r *StoreReporter) Init(ctx context.Context, info RunInfo) error {
	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	return r.store.SaveRun(ctx, model.RunRecord{
		RunID:      info.RunID,
		RunIndex:   info.RunIndex,
		ParentRun:  info.ParentRun,
		StartCycle: info.StartCycle,
		Walkers:    info.Walkers,
		CreatedAt:  info.StartedAt,
	})
}

func (r *StoreReporter) Report(ctx context.Context, record model.CycleRecord) error {
	return r.store.SaveCycle(ctx, record)
}

func (r *StoreReporter) Cleanup(_ context.Context) error { return nil }
