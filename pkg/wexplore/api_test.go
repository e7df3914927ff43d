package wexplore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wexplore/internal/config"
	"wexplore/internal/model"
	"wexplore/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Run.Walkers = 8
	cfg.Run.Cycles = 3
	cfg.Run.SegmentLength = 5
	cfg.Dispatch.Workers = 2
	cfg.Resampler.MaxRegionSizes = []float64{0.1, 0.05}
	cfg.Resampler.MaxNRegions = []int{4, 4}
	cfg.Boundary.Cutoff = 0.5
	cfg.Checkpoint.Dir = filepath.Join(base, "checkpoints")
	cfg.Reporters.JSONL = filepath.Join(base, "cycles.jsonl")
	cfg.Reporters.Dashboard = filepath.Join(base, "dashboard.txt")
	cfg.Reporters.Store = true
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	client, err := New(Options{Config: cfg, Metrics: telemetry.New()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientRunAndInspect(t *testing.T) {
	cfg := testConfig(t)
	client := newClient(t, cfg)
	ctx := context.Background()

	summary, err := client.Run(ctx, RunRequest{RunID: "first"})
	require.NoError(t, err)
	require.Equal(t, "first", summary.RunID)
	require.Equal(t, 0, summary.FirstCycle)
	require.Equal(t, 2, summary.LastCycle)
	require.Equal(t, 8, summary.Walkers)
	require.Equal(t, "completed", summary.Status)
	require.Len(t, summary.Regions, 2)
	require.FileExists(t, summary.CheckpointPath)

	paths, err := client.Checkpoints("first")
	require.NoError(t, err)
	require.Len(t, paths, 4, "initial checkpoint plus one per cycle")

	info, err := client.Inspect(ctx, "first", "")
	require.NoError(t, err)
	require.Equal(t, 2, info.CycleIndex)
	require.Equal(t, 8, info.Walkers)
	require.Equal(t, cfg.Run.Seed, info.Seed)
	require.InDelta(t, 1.0, info.TotalWeight, 1e-9)
	require.LessOrEqual(t, info.MinWeight, info.MaxWeight)
	require.Equal(t, "wexplore", info.ResamplerKind)
	require.Equal(t, "unbinding", info.BoundaryKind)
	require.Equal(t, summary.Regions, info.Regions)

	f, err := os.Open(cfg.Reporters.JSONL)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec model.CycleRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		require.Equal(t, lines, rec.Cycle)
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 3, lines)

	runs, err := client.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "first", runs[0].RunID)
}

func TestClientResumeExtendsLineage(t *testing.T) {
	cfg := testConfig(t)
	client := newClient(t, cfg)
	ctx := context.Background()

	_, err := client.Run(ctx, RunRequest{RunID: "parent", Cycles: 2})
	require.NoError(t, err)

	summary, err := client.Resume(ctx, ResumeRequest{RunID: "parent", NewRunID: "child", Cycles: 2})
	require.NoError(t, err)
	require.Equal(t, "child", summary.RunID)
	require.Equal(t, "parent", summary.ParentRun)
	require.Equal(t, 1, summary.RunIndex)
	require.Equal(t, 2, summary.FirstCycle)
	require.Equal(t, 3, summary.LastCycle)

	steps, err := client.Lineage(ctx, LineageRequest{RunID: "child", Cycle: 3, Walker: 0})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for i, step := range steps {
		require.Equal(t, 3-i, step.Cycle)
		require.GreaterOrEqual(t, step.Parent, 0)
		require.Less(t, step.Parent, cfg.Run.Walkers)
	}
	for i := 1; i < len(steps); i++ {
		require.Equal(t, steps[i-1].Parent, steps[i].Walker)
	}
}

func TestClientResumeFromCheckpointPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reporters = config.ReportersConfig{}
	client := newClient(t, cfg)
	ctx := context.Background()

	_, err := client.Run(ctx, RunRequest{RunID: "base", Cycles: 1})
	require.NoError(t, err)
	paths, err := client.Checkpoints("base")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	summary, err := client.Resume(ctx, ResumeRequest{CheckpointPath: paths[0], Cycles: 1})
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.NotEqual(t, "base", summary.RunID)
	require.Equal(t, 0, summary.FirstCycle)
	require.Equal(t, 0, summary.LastCycle)
}

func TestClientRejectsBadRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resampler.PMin = 0.9
	_, err := New(Options{Config: cfg})
	require.True(t, errors.Is(err, config.ErrInvalid), "got=%v", err)

	client := newClient(t, testConfig(t))
	_, err = client.Resume(context.Background(), ResumeRequest{})
	require.Error(t, err)
	_, err = client.Lineage(context.Background(), LineageRequest{RunID: "missing"})
	require.Error(t, err)
}
