package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

// MetricsAggregator serves the Prometheus registry and a JSON snapshot that
// joins the metric counters with the kernel's own tables
type MetricsAggregator struct {
	metrics  *monitoring.Metrics
	kernel   *abi.Kernel
	events   *tracing.Emitter
	gatherer prometheus.Gatherer
}

// NewMetricsAggregator creates an aggregator. A nil gatherer means the
// default Prometheus registry.
func NewMetricsAggregator(metrics *monitoring.Metrics, k *abi.Kernel, events *tracing.Emitter, gatherer prometheus.Gatherer) *MetricsAggregator {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsAggregator{
		metrics:  metrics,
		kernel:   k,
		events:   events,
		gatherer: gatherer,
	}
}

// MetricsSnapshot is the body of /metrics/json
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Counters  monitoring.MetricsSnapshot `json:"counters"`
	Waits     monitoring.LatencySummary  `json:"waits"`
	Kernel    abi.Stats                  `json:"kernel"`
	Events    *tracing.EmitterStats      `json:"events,omitempty"`
	Summary   MetricsSummary             `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	OpenChannels     int64   `json:"open_channels"`
	WaitP95Ms        float64 `json:"wait_p95_ms"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// Snapshot collects the current values
func (ma *MetricsAggregator) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Timestamp: time.Now(),
		Kernel:    ma.kernel.Stats(),
	}
	if ma.metrics != nil {
		s.Counters = ma.metrics.Snapshot()
		s.Waits = ma.metrics.Waits().Summary()
	}
	if ma.events != nil {
		es := ma.events.Stats()
		s.Events = &es
	}
	s.Summary = summarize(s)
	return s
}

func summarize(s MetricsSnapshot) MetricsSummary {
	sum := MetricsSummary{
		TotalRequests:    s.Counters.TotalRequests,
		AverageLatencyMs: s.Counters.AverageLatency * 1000,
		OpenChannels:     s.Kernel.OpenChannels,
		WaitP95Ms:        s.Waits.P95 * 1000,
		UptimeSeconds:    s.Counters.UptimeSeconds,
	}
	if s.Counters.TotalRequests > 0 {
		sum.ErrorRate = float64(s.Counters.TotalErrors) / float64(s.Counters.TotalRequests)
	}
	return sum
}

// GetAggregatedMetrics returns the JSON snapshot
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, ma.Snapshot())
}

// Prometheus returns the text exposition handler
func (ma *MetricsAggregator) Prometheus() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(ma.gatherer, promhttp.HandlerOpts{}))
}
