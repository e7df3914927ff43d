package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(time.Second, 4)
	m.AddWarps(3)
	m.SetRegions([]int{1, 2})
	m.SegmentFailed(0)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.ObserveCycle(10*time.Millisecond, 48)
	m.ObserveCycle(10*time.Millisecond, 48)
	m.AddWarps(2)
	m.AddResampling("clone", 3)
	m.SegmentRetried(1)

	if got := testutil.ToFloat64(m.cyclesTotal); got != 2 {
		t.Fatalf("cycles total: got %f", got)
	}
	if got := testutil.ToFloat64(m.walkers); got != 48 {
		t.Fatalf("walkers gauge: got %f", got)
	}
	if got := testutil.ToFloat64(m.warpsTotal); got != 2 {
		t.Fatalf("warps total: got %f", got)
	}
	if got := testutil.ToFloat64(m.resamplingTotal.WithLabelValues("clone")); got != 3 {
		t.Fatalf("clone total: got %f", got)
	}
}

func TestMetricsHandlerExposesSeries(t *testing.T) {
	m := New()
	m.SetRegions([]int{1, 4})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `wexplore_regions{level="2"} 4`) {
		t.Fatalf("expected region gauge in exposition, got:\n%s", body)
	}
}
