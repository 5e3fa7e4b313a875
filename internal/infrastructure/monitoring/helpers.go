package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	if s.TotalRequests > 0 {
		s.AverageLatency = s.totalDuration / float64(s.TotalRequests)
	}
	return s
}

// LatencySummary describes the durations held in a LatencyWindow, in seconds
type LatencySummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
}

// LatencyWindow keeps the most recent durations in a fixed ring.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewLatencyWindow creates a window holding size samples
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1024
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Add records one duration
func (w *LatencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d.Seconds()
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Summary computes mean, deviation and quantiles over the window
func (w *LatencyWindow) Summary() LatencySummary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	data := make([]float64, n)
	copy(data, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}

	sort.Float64s(data)
	mean, std := stat.MeanStdDev(data, nil)
	if n == 1 {
		std = 0
	}
	return LatencySummary{
		Count:  n,
		Mean:   mean,
		StdDev: std,
		P50:    stat.Quantile(0.50, stat.Empirical, data, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, data, nil),
		P99:    stat.Quantile(0.99, stat.Empirical, data, nil),
		Max:    data[n-1],
	}
}
