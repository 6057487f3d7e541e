package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast pipeline.
// All methods are safe to call on a nil *Metrics so collaborators can run
// without instrumentation (e.g. in tests).
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	jobsEnqueuedTotal  *prometheus.CounterVec
	jobsSucceededTotal *prometheus.CounterVec
	jobFailuresTotal   *prometheus.CounterVec
	jobsLostTotal      *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	bytesSentTotal     prometheus.Counter
	segmentsProduced   prometheus.Counter
	broadcastState     *prometheus.GaugeVec
	activeStreams      prometheus.Gauge

	stateMu              sync.Mutex
	lastBroadcastStateID string
}

// New creates and registers Prometheus metrics for the broadcaster.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_control_requests_total",
			Help: "Total number of control API requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_control_errors_total",
			Help: "Total number of control API responses with error status (4xx or 5xx)",
		}),
		jobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_jobs_enqueued_total",
			Help: "Upload jobs appended to the durable queue",
		}, []string{"kind"}),
		jobsSucceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_jobs_succeeded_total",
			Help: "Upload jobs that reached the server",
		}, []string{"kind"}),
		jobFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_job_failures_total",
			Help: "Failed transfer attempts, including ones that will be retried",
		}, []string{"kind"}),
		jobsLostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_jobs_lost_total",
			Help: "Upload jobs that exhausted their retries or were abandoned",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_queue_depth",
			Help: "Jobs in the upload queue that have not reached a terminal state",
		}),
		bytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_bytes_sent_total",
			Help: "Bytes transferred to the file store",
		}),
		segmentsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_segments_produced_total",
			Help: "Segments produced by the encoder",
		}),
		broadcastState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broadcaster_session_state",
			Help: "1 for the current broadcast session state, 0 otherwise",
		}, []string{"state"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_active_streams",
			Help: "Streams with deliveries recorded that have not been stopped",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.jobsEnqueuedTotal,
		m.jobsSucceededTotal,
		m.jobFailuresTotal,
		m.jobsLostTotal,
		m.queueDepth,
		m.bytesSentTotal,
		m.segmentsProduced,
		m.broadcastState,
		m.activeStreams,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// JobEnqueued counts a job added to the queue.
func (m *Metrics) JobEnqueued(kind string) {
	if m == nil {
		return
	}
	m.jobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// JobSucceeded counts a delivered job.
func (m *Metrics) JobSucceeded(kind string) {
	if m == nil {
		return
	}
	m.jobsSucceededTotal.WithLabelValues(kind).Inc()
}

// JobFailed counts a failed attempt that will be retried.
func (m *Metrics) JobFailed(kind string) {
	if m == nil {
		return
	}
	m.jobFailuresTotal.WithLabelValues(kind).Inc()
}

// JobLost counts a job dropped after exhausting its retries or by abandon.
func (m *Metrics) JobLost(kind string) {
	if m == nil {
		return
	}
	m.jobsLostTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth sets the outstanding job gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// AddBytesSent adds delivered payload bytes.
func (m *Metrics) AddBytesSent(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSentTotal.Add(float64(n))
}

// IncSegmentsProduced counts a segment handed over by the segmenter.
func (m *Metrics) IncSegmentsProduced() {
	if m == nil {
		return
	}
	m.segmentsProduced.Inc()
}

// SetBroadcastState flips the state gauge to the named state.
func (m *Metrics) SetBroadcastState(state string) {
	if m == nil {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.lastBroadcastStateID != "" {
		m.broadcastState.WithLabelValues(m.lastBroadcastStateID).Set(0)
	}
	m.broadcastState.WithLabelValues(state).Set(1)
	m.lastBroadcastStateID = state
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. queue depth).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
