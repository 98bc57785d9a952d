// Package telemetry keeps bounded in-memory metrics for the trading engine.
// Every collection has a hard cap with oldest-first eviction so a misbehaving
// producer cannot grow memory without bound.
package telemetry

import (
	"sync"
	"time"
)

// Collection caps
const (
	MaxCounters        = 10000
	MaxGauges          = 5000
	MaxSeries          = 1000
	MaxSeriesPoints    = 1000
	MaxHistograms      = 1000
	MaxHistogramValues = 1000
)

// SeriesPoint is one timestamped observation
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type histogram struct {
	values []float64
}

// Registry is a mutex-guarded metrics store
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	series     map[string][]SeriesPoint
	histograms map[string]*histogram

	counterOrder []string
	gaugeOrder   []string
	seriesOrder  []string
	histoOrder   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		series:     make(map[string][]SeriesPoint),
		histograms: make(map[string]*histogram),
	}
}

// Inc increments a counter by delta, evicting the oldest counter at the cap
func (r *Registry) Inc(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.counters[name]; !ok {
		if len(r.counters) >= MaxCounters {
			oldest := r.counterOrder[0]
			r.counterOrder = r.counterOrder[1:]
			delete(r.counters, oldest)
		}
		r.counterOrder = append(r.counterOrder, name)
	}
	r.counters[name] += delta
}

// Counter returns the current value of a counter
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// SetGauge stores a point-in-time value
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gauges[name]; !ok {
		if len(r.gauges) >= MaxGauges {
			oldest := r.gaugeOrder[0]
			r.gaugeOrder = r.gaugeOrder[1:]
			delete(r.gauges, oldest)
		}
		r.gaugeOrder = append(r.gaugeOrder, name)
	}
	r.gauges[name] = value
}

// Gauge returns the current value of a gauge
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Record appends a timestamped point to a series. The newest MaxSeries
// series are kept, and each series keeps at most MaxSeriesPoints points
// with oldest-first eviction.
func (r *Registry) Record(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.series[name]; !ok {
		if len(r.series) >= MaxSeries {
			oldest := r.seriesOrder[0]
			r.seriesOrder = r.seriesOrder[1:]
			delete(r.series, oldest)
		}
		r.seriesOrder = append(r.seriesOrder, name)
	}

	points := r.series[name]
	if len(points) >= MaxSeriesPoints {
		points = points[1:]
	}
	r.series[name] = append(points, SeriesPoint{Timestamp: time.Now(), Value: value})
}

// Series returns a copy of the recorded points for a series
func (r *Registry) Series(name string) []SeriesPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	points := r.series[name]
	out := make([]SeriesPoint, len(points))
	copy(out, points)
	return out
}

// Observe adds a value to a histogram, keeping at most MaxHistogramValues
// per histogram with oldest-first eviction.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[name]
	if !ok {
		if len(r.histograms) >= MaxHistograms {
			oldest := r.histoOrder[0]
			r.histoOrder = r.histoOrder[1:]
			delete(r.histograms, oldest)
		}
		h = &histogram{}
		r.histograms[name] = h
		r.histoOrder = append(r.histoOrder, name)
	}

	if len(h.values) >= MaxHistogramValues {
		h.values = h.values[1:]
	}
	h.values = append(h.values, value)
}

// HistogramValues returns a copy of a histogram's observations
func (r *Registry) HistogramValues(name string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.histograms[name]
	if !ok {
		return nil
	}
	out := make([]float64, len(h.values))
	copy(out, h.values)
	return out
}

// Snapshot returns all counters and gauges for diagnostics
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"series":     len(r.series),
		"histograms": len(r.histograms),
	}
}
