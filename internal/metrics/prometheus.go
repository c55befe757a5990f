package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice agent service
type Metrics struct {
	// Call lifecycle metrics
	CallsStarted  prometheus.Counter
	CallsRejected prometheus.Counter
	CallsEnded    *prometheus.CounterVec // by final status
	ActiveCalls   prometheus.Gauge
	CallDuration  prometheus.Histogram

	// Turn metrics
	TurnsCompleted prometheus.Counter
	TurnsPerCall   prometheus.Histogram

	// Adapter metrics (labelled by adapter: media, transcribe, generate)
	AdapterInvocations *prometheus.CounterVec
	AdapterFailures    *prometheus.CounterVec
	AdapterTimeouts    *prometheus.CounterVec
	AdapterRetries     *prometheus.CounterVec
	AdapterDuration    *prometheus.HistogramVec

	// Session queue metrics
	QueuePublished prometheus.Counter
	QueueDropped   prometheus.Counter
	StaleResults   prometheus.Counter
	ActiveQueues   prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CallsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_calls_started_total",
			Help: "Total number of call sessions started",
		}),
		CallsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_calls_rejected_total",
			Help: "Total number of inbound calls rejected before a session was created",
		}),
		CallsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_calls_ended_total",
			Help: "Total number of call sessions ended, by final status",
		}, []string{"status"}),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pva_active_calls",
			Help: "Current number of active call sessions",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pva_call_duration_seconds",
			Help:    "Duration of call sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		TurnsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_turns_completed_total",
			Help: "Total number of completed conversation turns",
		}),
		TurnsPerCall: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pva_turns_per_call",
			Help:    "Number of conversation turns per call",
			Buckets: prometheus.LinearBuckets(1, 2, 10), // 1 to 19 turns
		}),

		AdapterInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_adapter_invocations_total",
			Help: "Total number of adapter invocations",
		}, []string{"adapter"}),
		AdapterFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_adapter_failures_total",
			Help: "Total number of failed adapter invocations",
		}, []string{"adapter"}),
		AdapterTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_adapter_timeouts_total",
			Help: "Total number of adapter invocation deadlines exceeded",
		}, []string{"adapter"}),
		AdapterRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_adapter_retries_total",
			Help: "Total number of adapter invocation retries",
		}, []string{"adapter"}),
		AdapterDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pva_adapter_duration_seconds",
			Help:    "Duration of adapter invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}, []string{"adapter"}),

		QueuePublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_queue_published_total",
			Help: "Total number of results published to session queues",
		}),
		QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_queue_dropped_total",
			Help: "Total number of results dropped because the session queue was gone or full",
		}),
		StaleResults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pva_stale_results_total",
			Help: "Total number of late or duplicate results ignored by handle correlation",
		}),
		ActiveQueues: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pva_active_session_queues",
			Help: "Current number of live session queues",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pva_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pva_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordCallStarted increments the calls started counter
func (m *Metrics) RecordCallStarted() {
	m.CallsStarted.Inc()
}

// RecordCallRejected increments the rejected calls counter
func (m *Metrics) RecordCallRejected() {
	m.CallsRejected.Inc()
}

// RecordCallEnded records a finished call with its final status, duration
// and turn count
func (m *Metrics) RecordCallEnded(status string, durationSeconds float64, turns int) {
	m.CallsEnded.WithLabelValues(status).Inc()
	m.CallDuration.Observe(durationSeconds)
	m.TurnsPerCall.Observe(float64(turns))
}

// SetActiveCalls sets the current number of active call sessions
func (m *Metrics) SetActiveCalls(count int) {
	m.ActiveCalls.Set(float64(count))
}

// RecordTurnCompleted increments the completed turns counter
func (m *Metrics) RecordTurnCompleted() {
	m.TurnsCompleted.Inc()
}

// RecordAdapterInvocation increments the invocation counter for an adapter
func (m *Metrics) RecordAdapterInvocation(adapter string) {
	m.AdapterInvocations.WithLabelValues(adapter).Inc()
}

// RecordAdapterResult records the outcome and duration of one invocation
func (m *Metrics) RecordAdapterResult(adapter, status string, durationSeconds float64) {
	switch status {
	case "failure":
		m.AdapterFailures.WithLabelValues(adapter).Inc()
	case "timeout":
		m.AdapterTimeouts.WithLabelValues(adapter).Inc()
	}
	m.AdapterDuration.WithLabelValues(adapter).Observe(durationSeconds)
}

// RecordAdapterRetry increments the retry counter for an adapter
func (m *Metrics) RecordAdapterRetry(adapter string) {
	m.AdapterRetries.WithLabelValues(adapter).Inc()
}

// RecordQueuePublished increments the published results counter
func (m *Metrics) RecordQueuePublished() {
	m.QueuePublished.Inc()
}

// RecordQueueDropped increments the dropped results counter
func (m *Metrics) RecordQueueDropped() {
	m.QueueDropped.Inc()
}

// RecordStaleResult increments the stale results counter
func (m *Metrics) RecordStaleResult() {
	m.StaleResults.Inc()
}

// SetActiveQueues sets the current number of live session queues
func (m *Metrics) SetActiveQueues(count int) {
	m.ActiveQueues.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
