package reporter

import (
	"context"

	"wexplore/internal/model"
	"wexplore/internal/telemetry"
)

// MetricsReporter exports per-cycle resampling and warp activity.
type MetricsReporter struct {
	metrics *telemetry.Metrics
}

func NewMetricsReporter(metrics *telemetry.Metrics) *MetricsReporter {
	return &MetricsReporter{metrics: metrics}
}

func (r *MetricsReporter) Name() string { return "metrics" }

func (r *MetricsReporter) Init(context.Context, RunInfo) error { return nil }

func (r *MetricsReporter) Report(_ context.Context, record model.CycleRecord) error {
	clones, merges := 0, 0
	for _, rec := range record.Resampling {
		switch rec.Decision {
		case model.DecisionClone:
			clones++
		case model.DecisionMerge:
			merges++
		}
	}
	r.metrics.AddResampling(string(model.DecisionClone), clones)
	r.metrics.AddResampling(string(model.DecisionMerge), merges)
	r.metrics.AddWarps(len(record.Warps))
	r.metrics.SetRegions(record.RegionCounts)
	return nil
}

func (r *MetricsReporter) Cleanup(context.Context) error { return nil }
