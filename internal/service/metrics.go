package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements C11: counters, histograms and gauges for the
// pipeline, plus a read API so other components can report figures
// without depending on Prometheus's types directly (§4.11).
type Metrics struct {
	EventsPublished  prometheus.Counter
	EventsProcessed  prometheus.Counter
	AttemptsTotal    prometheus.Counter
	SuccessTotal     prometheus.Counter
	FailureTotal     *prometheus.CounterVec // labeled by classification: timeout, non_retryable, retryable, cancelled

	AttemptLatency    prometheus.Histogram
	EndToEndLatency   prometheus.Histogram

	QueueDepth       *prometheus.GaugeVec // labeled by schema
	InFlightAttempts prometheus.Gauge
	EndpointHealth   *prometheus.GaugeVec // labeled by endpoint_id, value: 0 healthy, 1 degraded, 2 disabled

	mu              sync.RWMutex
	lastQueueDepth  map[string]float64
}

// NewMetrics builds and registers the C11 instrument set against reg.
// Passing a fresh prometheus.Registry (rather than the global default
// registry) keeps repeated construction in tests collision-free.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_published_total",
			Help: "Total events accepted by the Publisher.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_processed_total",
			Help: "Total events that reached a terminal processing_state.",
		}),
		AttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_attempts_total",
			Help: "Total HTTP delivery attempts executed.",
		}),
		SuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_attempts_success_total",
			Help: "Total delivery attempts classified success.",
		}),
		FailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_attempts_failure_total",
			Help: "Total delivery attempts classified failed, by classification.",
		}, []string{"classification"}),
		AttemptLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventrelay_attempt_latency_seconds",
			Help:    "Latency of a single HTTP delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		EndToEndLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventrelay_end_to_end_latency_seconds",
			Help:    "Latency from event published to its first terminal attempt outcome.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventrelay_queue_depth",
			Help: "Pending events awaiting dispatch, by schema.",
		}, []string{"schema"}),
		InFlightAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_in_flight_attempts",
			Help: "HTTP delivery attempts currently executing.",
		}),
		EndpointHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventrelay_endpoint_health",
			Help: "Endpoint health: 0 healthy, 1 degraded, 2 disabled.",
		}, []string{"endpoint_id"}),
		lastQueueDepth: make(map[string]float64),
	}

	reg.MustRegister(
		m.EventsPublished, m.EventsProcessed, m.AttemptsTotal, m.SuccessTotal,
		m.FailureTotal, m.AttemptLatency, m.EndToEndLatency,
		m.QueueDepth, m.InFlightAttempts, m.EndpointHealth,
	)
	return m
}

// RecordAttempt folds one AttemptResult-derived outcome into the
// counters and latency histogram. classification is one of
// "timeout", "non_retryable", "retryable", "cancelled" for non-success
// outcomes.
func (m *Metrics) RecordAttempt(success bool, classification string, latency time.Duration) {
	m.AttemptsTotal.Inc()
	m.AttemptLatency.Observe(latency.Seconds())
	if success {
		m.SuccessTotal.Inc()
		return
	}
	m.FailureTotal.WithLabelValues(classification).Inc()
}

// SetQueueDepth records the current pending-event count for schema,
// read back by ReadQueueDepth without touching Prometheus's own
// (write-only from the caller's perspective) collector types.
func (m *Metrics) SetQueueDepth(schema string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQueueDepth[schema] = float64(depth)
	m.QueueDepth.WithLabelValues(schema).Set(float64(depth))
}

// ReadQueueDepth returns the most recently recorded queue depth for
// schema, for the §6.3 observability read API.
func (m *Metrics) ReadQueueDepth(schema string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.lastQueueDepth[schema])
}

// SetEndpointHealth records an endpoint's health as a metric gauge
// value (0 healthy, 1 degraded, 2 disabled).
func (m *Metrics) SetEndpointHealth(endpointID string, healthValue float64) {
	m.EndpointHealth.WithLabelValues(endpointID).Set(healthValue)
}

// AttemptInFlight increments InFlightAttempts and returns a function
// that decrements it. The Dispatcher calls it just before each
// HTTPDeliveryAdapter.Deliver call and the returned function once Deliver
// returns.
func (m *Metrics) AttemptInFlight() func() {
	m.InFlightAttempts.Inc()
	return func() { m.InFlightAttempts.Dec() }
}
