package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Channel metrics
	ChannelsOpen      prometheus.Gauge
	ChannelsConnected prometheus.Counter
	ChannelsReleased  prometheus.Counter
	EndpointsDisposed prometheus.Counter
	EndpointsFreed    prometheus.Counter
	Notifications     prometheus.Counter
	Updates           *prometheus.CounterVec
	PointersMarshaled prometheus.Counter
	Moves             *prometheus.CounterVec
	Transfers         *prometheus.CounterVec
	Faults            *prometheus.CounterVec
	WaitDuration      prometheus.Histogram

	// ABI metrics
	ABICalls    *prometheus.CounterVec
	ABIDuration *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls    *prometheus.CounterVec
	GRPCDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	waits *LatencyWindow

	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON API
type MetricsSnapshot struct {
	TotalRequests  int64   `json:"total_requests"`
	TotalErrors    int64   `json:"total_errors"`
	OpenChannels   int64   `json:"open_channels"`
	Connects       int64   `json:"connects"`
	Releases       int64   `json:"releases"`
	Faults         int64   `json:"faults"`
	WSConnections  int64   `json:"ws_connections"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	AverageLatency float64 `json:"average_latency_seconds"`

	totalDuration float64
}

// NewMetrics registers metrics with the default Prometheus registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers metrics with reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),
		waits:     NewLatencyWindow(1024),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "channels_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ChannelsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "channels_open",
			Help: "Channels connected and not yet fully released",
		}),
		ChannelsConnected: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_connected_total",
			Help: "Total number of channels connected",
		}),
		ChannelsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_released_total",
			Help: "Total number of channels whose export side released its last reference",
		}),
		EndpointsDisposed: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_endpoints_disposed_total",
			Help: "Total number of endpoints disposed",
		}),
		EndpointsFreed: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_endpoints_freed_total",
			Help: "Total number of endpoints freed",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_notifications_total",
			Help: "Total number of peer notifications",
		}),
		Updates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_updates_total",
				Help: "Cross-domain update records by stage",
			},
			[]string{"stage"},
		),
		PointersMarshaled: f.NewCounter(prometheus.CounterOpts{
			Name: "channels_pointers_marshalled_total",
			Help: "Embedded pointers re-homed through the kernel heap",
		}),
		Moves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_moves_total",
				Help: "Endpoint moves by colocation transition",
			},
			[]string{"transition"},
		),
		Transfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_transfers_total",
				Help: "Ownership transfers by kind",
			},
			[]string{"kind"},
		),
		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_faults_total",
				Help: "Channel faults by kind",
			},
			[]string{"kind"},
		),
		WaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "channels_wait_duration_seconds",
			Help:    "Time spent blocked in endpoint waits",
			Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 30},
		}),

		ABICalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_abi_calls_total",
				Help: "ABI operations by name and outcome",
			},
			[]string{"op", "status"},
		),
		ABIDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "channels_abi_duration_seconds",
				Help:    "ABI operation duration in seconds",
				Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
			},
			[]string{"op"},
		),

		GRPCCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_grpc_calls_total",
				Help: "Total number of gRPC calls",
			},
			[]string{"method", "code"},
		),
		GRPCDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "channels_grpc_duration_seconds",
				Help:    "gRPC call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "channels_ws_connections",
			Help: "Number of active WebSocket event streams",
		}),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channels_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	m.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "channels_uptime_seconds",
		Help: "Kernel uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordConnect records a new channel and the resulting open count
func (m *Metrics) RecordConnect(open int64) {
	m.ChannelsConnected.Inc()
	m.ChannelsOpen.Set(float64(open))

	m.mu.Lock()
	m.snapshot.Connects++
	m.snapshot.OpenChannels = open
	m.mu.Unlock()
}

// RecordRelease records an export-side final release
func (m *Metrics) RecordRelease(open int64) {
	m.ChannelsReleased.Inc()
	m.ChannelsOpen.Set(float64(open))

	m.mu.Lock()
	m.snapshot.Releases++
	m.snapshot.OpenChannels = open
	m.mu.Unlock()
}

// RecordDispose records a dispose
func (m *Metrics) RecordDispose() { m.EndpointsDisposed.Inc() }

// RecordFree records a free
func (m *Metrics) RecordFree() { m.EndpointsFreed.Inc() }

// RecordNotify records a peer notification
func (m *Metrics) RecordNotify() { m.Notifications.Inc() }

// RecordUpdates records committed and delivered update records
func (m *Metrics) RecordUpdates(committed, delivered int) {
	if committed > 0 {
		m.Updates.WithLabelValues("committed").Add(float64(committed))
	}
	if delivered > 0 {
		m.Updates.WithLabelValues("delivered").Add(float64(delivered))
	}
}

// RecordMarshal records one marshalled pointer
func (m *Metrics) RecordMarshal() { m.PointersMarshaled.Inc() }

// RecordMove records an endpoint move ("direct", "proxied", "relabel", ...)
func (m *Metrics) RecordMove(transition string) {
	m.Moves.WithLabelValues(transition).Inc()
}

// RecordTransfer records an ownership transfer ("block", "content")
func (m *Metrics) RecordTransfer(kind string) {
	m.Transfers.WithLabelValues(kind).Inc()
}

// RecordFault records a channel fault by kind
func (m *Metrics) RecordFault(kind string) {
	m.Faults.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.Faults++
	m.mu.Unlock()
}

// ObserveWait records the time a waiter spent blocked
func (m *Metrics) ObserveWait(d time.Duration) {
	m.WaitDuration.Observe(d.Seconds())
	m.waits.Add(d)
}

// RecordABICall records an ABI operation
func (m *Metrics) RecordABICall(op, status string, duration time.Duration) {
	m.ABICalls.WithLabelValues(op, status).Inc()
	m.ABIDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordGRPCCall records a gRPC call
func (m *Metrics) RecordGRPCCall(method, code string, duration time.Duration) {
	m.GRPCCalls.WithLabelValues(method, code).Inc()
	m.GRPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.WSConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.WSConnections--
	m.mu.Unlock()
}

// Waits returns the rolling wait latency window
func (m *Metrics) Waits() *LatencyWindow { return m.waits }
