// Package telemetry exposes Prometheus collectors for the cycle engine.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal     prometheus.Counter
	cycleDuration   prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
	walkers         prometheus.Gauge
	warpsTotal      prometheus.Counter
	resamplingTotal *prometheus.CounterVec
	regions         *prometheus.GaugeVec
	segmentFailures *prometheus.CounterVec
	segmentRetries  prometheus.Counter
	reporterErrors  *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wexplore_cycles_total",
			Help: "Completed weighted-ensemble cycles",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wexplore_cycle_duration_seconds",
			Help:    "Wall time of a full cycle",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wexplore_stage_duration_seconds",
			Help:    "Wall time per cycle stage",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"stage"}),
		walkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wexplore_walkers",
			Help: "Walkers in the ensemble after resampling",
		}),
		warpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wexplore_warps_total",
			Help: "Walkers warped by the boundary condition",
		}),
		resamplingTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wexplore_resampling_operations_total",
			Help: "Clone and merge operations by decision",
		}, []string{"decision"}),
		regions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wexplore_regions",
			Help: "Regions in the resampling tree by level",
		}, []string{"level"}),
		segmentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wexplore_segment_failures_total",
			Help: "Failed segment runs by worker",
		}, []string{"worker"}),
		segmentRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "wexplore_segment_retries_total",
			Help: "Segment runs re-dispatched after a failure",
		}),
		reporterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wexplore_reporter_errors_total",
			Help: "Reporter failures by reporter",
		}, []string{"reporter"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wexplore_checkpoints_total",
			Help: "Checkpoint writes by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(d time.Duration, walkers int) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.walkers.Set(float64(walkers))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) AddWarps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.warpsTotal.Add(float64(n))
}

func (m *Metrics) AddResampling(decision string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resamplingTotal.WithLabelValues(decision).Add(float64(n))
}

// SetRegions records the region count per tree level; perLevel[0] is level 1.
func (m *Metrics) SetRegions(perLevel []int) {
	if m == nil {
		return
	}
	for level, n := range perLevel {
		m.regions.WithLabelValues(strconv.Itoa(level + 1)).Set(float64(n))
	}
}

func (m *Metrics) SegmentFailed(workerID int) {
	if m == nil {
		return
	}
	m.segmentFailures.WithLabelValues(strconv.Itoa(workerID)).Inc()
}

func (m *Metrics) SegmentRetried(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentRetries.Add(float64(n))
}

func (m *Metrics) ReporterFailed(name string) {
	if m == nil {
		return
	}
	m.reporterErrors.WithLabelValues(name).Inc()
}

func (m *Metrics) CheckpointWritten(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}
