// Package telemetry provides observability primitives for the Pylon proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	AdmissionRejects *prometheus.CounterVec
	QueueOutcomes    *prometheus.CounterVec
	SSEMessages      prometheus.Counter
	RecorderDrops    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "requests_total",
			Help:      "Total number of proxied HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pylon",
			Name:                            "request_duration_seconds",
			Help:                            "Proxied request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "active_requests",
			Help:      "Number of currently active proxied requests.",
		}),

		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "admission_rejects_total",
			Help:      "Total admission rejections by rejection code.",
		}, []string{"reason"}),

		QueueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "queue_outcomes_total",
			Help:      "Total wait-queue resolutions by outcome.",
		}, []string{"outcome"}),

		SSEMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "sse_messages_total",
			Help:      "Total SSE events relayed to clients.",
		}),

		RecorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "recorder_drops_total",
			Help:      "Total request log records dropped under overflow.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AdmissionRejects,
		m.QueueOutcomes,
		m.SSEMessages,
		m.RecorderDrops,
	)

	return m
}

// RegisterGauges registers callback-driven gauges for live admission
// state: the global gauges and the queue depth. Callbacks must be safe
// for concurrent use.
func RegisterGauges(reg prometheus.Registerer, globalConcurrent, globalSSE, queueSize func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "global_concurrent",
			Help:      "In-flight non-SSE requests holding a global slot.",
		}, globalConcurrent),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "global_sse_connections",
			Help:      "Open SSE connections holding a global slot.",
		}, globalSSE),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "queue_size",
			Help:      "Requests currently waiting in the admission queue.",
		}, queueSize),
	)
}
