package reporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wexplore/internal/checkpoint"
	"wexplore/internal/model"
)

const (
	// ModeCreate refuses to start over an existing dashboard file.
	ModeCreate = "x"
	// ModeOverwrite replaces any existing dashboard file.
	ModeOverwrite = "w"
)

// DashboardReporter keeps a plain text summary of the run, rewritten in full
// after every cycle.
type DashboardReporter struct {
	path string
	mode string

	mu         sync.Mutex
	info       RunInfo
	cycles     int
	totalWarps int
	maxProg    float64
	lastCycle  model.CycleRecord
	lastReport time.Time
}

func NewDashboardReporter(path, mode string) (*DashboardReporter, error) {
	if path == "" {
		return nil, errors.New("dashboard path is required")
	}
	switch mode {
	case "":
		mode = ModeOverwrite
	case ModeCreate, ModeOverwrite:
	default:
		return nil, fmt.Errorf("unsupported dashboard mode %q", mode)
	}
	return &DashboardReporter{path: path, mode: mode}, nil
}

func (r *DashboardReporter) Name() string { return "dashboard" }

func (r *DashboardReporter) Init(_ context.Context, info RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeCreate {
		if _, err := os.Stat(r.path); err == nil {
			return fmt.Errorf("dashboard %s already exists", r.path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create dashboard dir: %w", err)
	}
	r.info = info
	r.cycles = 0
	r.totalWarps = 0
	r.maxProg = math.Inf(-1)
	return r.writeLocked()
}

func (r *DashboardReporter) Report(_ context.Context, record model.CycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycles++
	r.totalWarps += len(record.Warps)
	for _, p := range record.Progress {
		if p > r.maxProg {
			r.maxProg = p
		}
	}
	r.lastCycle = record
	r.lastReport = time.Now().UTC()
	return r.writeLocked()
}

func (r *DashboardReporter) Cleanup(_ context.Context) error { return nil }

func (r *DashboardReporter) writeLocked() error {
	return checkpoint.WriteFileAtomic(r.path, []byte(r.renderLocked()))
}

func (r *DashboardReporter) renderLocked() string {
	var b strings.Builder
	res, bc := r.info.Resampler, r.info.Boundary

	fmt.Fprintf(&b, "Weighted Ensemble Simulation: %s\n", r.info.RunID)
	fmt.Fprintf(&b, "Run index: %d", r.info.RunIndex)
	if r.info.ParentRun != "" {
		fmt.Fprintf(&b, " (continues %s)", r.info.ParentRun)
	}
	b.WriteString("\n\n")

	b.WriteString("Resampler\n")
	fmt.Fprintf(&b, "  kind: %s\n", res.Kind)
	fmt.Fprintf(&b, "  pmin: %g\n  pmax: %g\n", res.PMin, res.PMax)
	fmt.Fprintf(&b, "  max region sizes: %s\n", joinFloats(res.MaxRegionSizes))
	fmt.Fprintf(&b, "  max regions per parent: %s\n", joinInts(res.MaxNRegions))
	fmt.Fprintf(&b, "  occupancy: %s\n\n", res.Occupancy)

	b.WriteString("Boundary condition\n")
	fmt.Fprintf(&b, "  kind: %s\n", bc.Kind)
	if bc.Cutoff > 0 {
		fmt.Fprintf(&b, "  cutoff: %g\n", bc.Cutoff)
	}
	b.WriteString("\n")

	b.WriteString("Progress\n")
	fmt.Fprintf(&b, "  cycles completed: %d\n", r.cycles)
	if r.cycles == 0 {
		return b.String()
	}
	last := r.lastCycle
	fmt.Fprintf(&b, "  last cycle: %d\n", last.Cycle)
	fmt.Fprintf(&b, "  walkers: %d\n", len(last.Walkers))
	fmt.Fprintf(&b, "  regions per level: %s\n", joinInts(last.RegionCounts))
	if !math.IsInf(r.maxProg, -1) {
		fmt.Fprintf(&b, "  max progress: %g\n", r.maxProg)
	}
	fmt.Fprintf(&b, "  warps this cycle: %d\n", len(last.Warps))
	fmt.Fprintf(&b, "  warps total: %d\n", r.totalWarps)
	lo, hi := weightRange(last.Walkers)
	fmt.Fprintf(&b, "  weight range: [%g, %g]\n", lo, hi)
	clones, merges := 0, 0
	for _, rec := range last.Resampling {
		switch rec.Decision {
		case model.DecisionClone:
			clones++
		case model.DecisionMerge:
			merges++
		}
	}
	fmt.Fprintf(&b, "  clones: %d\n  merges: %d\n", clones, merges)
	fmt.Fprintf(&b, "  updated: %s\n", r.lastReport.Format(time.RFC3339))
	return b.String()
}

func weightRange(walkers []model.Walker) (float64, float64) {
	if len(walkers) == 0 {
		return 0, 0
	}
	lo, hi := walkers[0].Weight, walkers[0].Weight
	for _, w := range walkers[1:] {
		lo = math.Min(lo, w.Weight)
		hi = math.Max(hi, w.Weight)
	}
	return lo, hi
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
