package reporter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wexplore/internal/model"
	"wexplore/internal/storage"
	"wexplore/internal/telemetry"
)

func sampleInfo() RunInfo {
	return RunInfo{
		RunID:   "run-1",
		Walkers: 2,
		Resampler: model.ResamplerState{
			Kind:           "wexplore",
			PMin:           1e-12,
			PMax:           0.5,
			MaxRegionSizes: []float64{1, 0.5, 0.35, 0.25},
			MaxNRegions:    []int{10, 10, 10, 10},
			Occupancy:      "even",
		},
		Boundary:  model.BoundaryState{Kind: "unbinding", Cutoff: 1},
		StartedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleRecord(cycle int) model.CycleRecord {
	return model.CycleRecord{
		RunID: "run-1",
		Cycle: cycle,
		Walkers: []model.Walker{
			{State: model.State{Positions: [][3]float64{{0, 0, 0}, {0.4, 0, 0}}}, Weight: 0.25},
			{State: model.State{Positions: [][3]float64{{0, 0, 0}, {0.4, 0, 0}}}, Weight: 0.75},
		},
		Resampling: []model.ResamplingRecord{
			{Decision: model.DecisionClone, Sources: []int{0}, Targets: []int{0, 1}, Weight: 0.25},
			{Decision: model.DecisionMerge, Sources: []int{1, 2}, Targets: []int{2}, Weight: 0.5},
		},
		Warps:        []model.WarpRecord{{WalkerIndex: 1, Weight: 0.75, Progress: 1.4}},
		Progress:     []float64{0.4, 1.4},
		RegionCounts: []int{1, 2, 2, 3},
	}
}

func TestJSONLReporterAppendsLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "cycles.jsonl")
	r := NewJSONLReporter(path)
	require.NoError(t, r.Init(ctx, sampleInfo()))
	require.NoError(t, r.Report(ctx, sampleRecord(0)))
	require.NoError(t, r.Report(ctx, sampleRecord(1)))
	require.NoError(t, r.Cleanup(ctx))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	cycles := []int{}
	for scanner.Scan() {
		var rec model.CycleRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		cycles = append(cycles, rec.Cycle)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []int{0, 1}, cycles)
}

func TestJSONLReporterRequiresInit(t *testing.T) {
	r := NewJSONLReporter(filepath.Join(t.TempDir(), "x.jsonl"))
	require.Error(t, r.Report(context.Background(), sampleRecord(0)))
}

func TestDashboardRewritesEachCycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dash.txt")
	r, err := NewDashboardReporter(path, ModeOverwrite)
	require.NoError(t, err)
	require.NoError(t, r.Init(ctx, sampleInfo()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "cycles completed: 0")
	require.Contains(t, string(data), "max region sizes: [1, 0.5, 0.35, 0.25]")
	require.Contains(t, string(data), "cutoff: 1")

	require.NoError(t, r.Report(ctx, sampleRecord(0)))
	require.NoError(t, r.Report(ctx, sampleRecord(1)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "cycles completed: 2")
	require.Contains(t, text, "last cycle: 1")
	require.Contains(t, text, "regions per level: [1, 2, 2, 3]")
	require.Contains(t, text, "warps total: 2")
	require.Contains(t, text, "max progress: 1.4")
	require.Contains(t, text, "weight range: [0.25, 0.75]")
	require.Equal(t, 1, strings.Count(text, "Weighted Ensemble Simulation"))
}

func TestDashboardCreateModeRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dash.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	r, err := NewDashboardReporter(path, ModeCreate)
	require.NoError(t, err)
	require.Error(t, r.Init(context.Background(), sampleInfo()))

	_, err = NewDashboardReporter(path, "a")
	require.Error(t, err)
}

func TestStoreReporterPersistsRunAndCycles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := NewStoreReporter(store)
	require.NoError(t, r.Init(ctx, sampleInfo()))
	require.NoError(t, r.Report(ctx, sampleRecord(0)))
	require.NoError(t, r.Report(ctx, sampleRecord(1)))
	require.NoError(t, r.Cleanup(ctx))

	run, ok, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, run.Walkers)

	cycles, err := store.ListCycles(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, cycles, 2)
}

func TestMetricsReporterExportsCounts(t *testing.T) {
	m := telemetry.New()
	r := NewMetricsReporter(m)
	require.NoError(t, r.Init(context.Background(), sampleInfo()))
	require.NoError(t, r.Report(context.Background(), sampleRecord(0)))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `wexplore_resampling_operations_total{decision="clone"} 1`)
	require.Contains(t, text, `wexplore_resampling_operations_total{decision="merge"} 1`)
	require.Contains(t, text, `wexplore_warps_total 1`)
	require.Contains(t, text, `wexplore_regions{level="4"} 3`)
}
