package telemetry

import (
	"fmt"
	"testing"
)

// TestCounterIncrement verifies basic counter arithmetic
func TestCounterIncrement(t *testing.T) {
	r := NewRegistry()

	r.Inc("evals_total", 1)
	r.Inc("evals_total", 2)

	if got := r.Counter("evals_total"); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
}

// TestGaugeSetAndRead verifies gauges hold the latest value
func TestGaugeSetAndRead(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("active_slots", 2)
	r.SetGauge("active_slots", 3)

	if got := r.Gauge("active_slots"); got != 3 {
		t.Errorf("Expected 3, got %v", got)
	}
}

// TestHistogramEvictsOldestValues verifies the per-histogram value cap
func TestHistogramEvictsOldestValues(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < MaxHistogramValues+10; i++ {
		r.Observe("eval_latency_ms", float64(i))
	}

	got := r.HistogramValues("eval_latency_ms")
	if len(got) != MaxHistogramValues {
		t.Fatalf("Expected %d values, got %d", MaxHistogramValues, len(got))
	}
	if got[0] != 10 {
		t.Errorf("Expected oldest surviving value 10, got %v", got[0])
	}
}

// TestCounterEvictionIsOldestFirst verifies the counter cap evicts in
// insertion order
func TestCounterEvictionIsOldestFirst(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < MaxCounters; i++ {
		r.Inc(fmt.Sprintf("c%d", i), 1)
	}
	r.Inc("overflow", 1)

	if got := r.Counter("c0"); got != 0 {
		t.Errorf("Expected oldest counter evicted, got %d", got)
	}
	if got := r.Counter("overflow"); got != 1 {
		t.Errorf("Expected new counter retained, got %d", got)
	}
}

// TestSeriesRecordsPoints verifies series accumulate timestamped points
func TestSeriesRecordsPoints(t *testing.T) {
	r := NewRegistry()

	r.Record("pnl", 10)
	r.Record("pnl", -5)

	points := r.Series("pnl")
	if len(points) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(points))
	}
	if points[0].Value != 10 || points[1].Value != -5 {
		t.Errorf("Unexpected point values: %+v", points)
	}
	if points[0].Timestamp.IsZero() {
		t.Error("Points should carry timestamps")
	}
}

// TestSeriesEvictsOldestPoints verifies a series never exceeds its point cap
func TestSeriesEvictsOldestPoints(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < MaxSeriesPoints+250; i++ {
		r.Record("pnl", float64(i))
	}

	points := r.Series("pnl")
	if len(points) != MaxSeriesPoints {
		t.Fatalf("Expected %d points after eviction, got %d", MaxSeriesPoints, len(points))
	}
	if points[0].Value != 250 {
		t.Errorf("Expected oldest surviving point 250, got %v", points[0].Value)
	}
	if points[len(points)-1].Value != float64(MaxSeriesPoints+249) {
		t.Errorf("Expected newest point %d, got %v", MaxSeriesPoints+249, points[len(points)-1].Value)
	}
}
