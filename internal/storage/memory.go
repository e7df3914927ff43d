package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"wexplore/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

// MemoryStore keeps encoded records in maps, so callers never share slices
// with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string][]byte
	cycles      map[string]map[int][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string][]byte)
	s.cycles = make(map[string]map[int][]byte)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	s.runs[run.RunID] = payload
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return model.RunRecord{}, false, nil
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, true, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(ids))
	for _, id := range ids {
		run, ok, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveCycle(_ context.Context, record model.CycleRecord) error {
	payload, err := EncodeCycle(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	byCycle, ok := s.cycles[record.RunID]
	if !ok {
		byCycle = make(map[int][]byte)
		s.cycles[record.RunID] = byCycle
	}
	byCycle[record.Cycle] = payload
	return nil
}

func (s *MemoryStore) GetCycle(_ context.Context, runID string, cycle int) (model.CycleRecord, bool, error) {
	s.mu.RLock()
	payload, ok := s.cycles[runID][cycle]
	s.mu.RUnlock()

	if !ok {
		return model.CycleRecord{}, false, nil
	}
	record, err := DecodeCycle(payload)
	if err != nil {
		return model.CycleRecord{}, false, fmt.Errorf("decode cycle %s/%d: %w", runID, cycle, err)
	}
	return record, true, nil
}

func (s *MemoryStore) ListCycles(_ context.Context, runID string) ([]model.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCycle := s.cycles[runID]
	cycles := make([]int, 0, len(byCycle))
	for c := range byCycle {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)
	out := make([]model.CycleRecord, 0, len(cycles))
	for _, c := range cycles {
		record, err := DecodeCycle(byCycle[c])
		if err != nil {
			return nil, fmt.Errorf("decode cycle %s/%d: %w", runID, c, err)
		}
		out = append(out, record)
	}
	return out, nil
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
