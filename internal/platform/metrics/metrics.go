package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the transcode engine.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	segmentsRegisteredTotal prometheus.Counter
	sessionsActive          prometheus.Gauge
	sessionsProducing       prometheus.Gauge
	sessionsCreatedTotal    prometheus.Counter
	sessionsEvictedTotal    prometheus.Counter
	restartsBlockedTotal    prometheus.Counter
	probeCacheHitsTotal     prometheus.Counter
	probeCacheMissesTotal   prometheus.Counter
	probeExecutionsTotal    prometheus.Counter
	probeFailuresTotal      prometheus.Counter
	jobsTotal               *prometheus.CounterVec
	requestDuration         *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_registered_total",
			Help: "Total number of produced segments registered by the transcoder",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_sessions_active",
			Help: "Number of live transcode sessions",
		}),
		sessionsProducing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_sessions_producing",
			Help: "Number of sessions whose encode has not reported completion",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcode_sessions_created_total",
			Help: "Total number of transcode sessions created, including replacements",
		}),
		sessionsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcode_sessions_evicted_total",
			Help: "Total number of sessions removed by the idle sweep",
		}),
		restartsBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcode_restarts_blocked_total",
			Help: "Total number of restart requests rejected inside the cooldown window",
		}),
		probeCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_cache_hits_total",
			Help: "Total number of probe requests served from cache",
		}),
		probeCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_cache_misses_total",
			Help: "Total number of probe requests not found in cache",
		}),
		probeExecutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_executions_total",
			Help: "Total number of probe subprocesses spawned",
		}),
		probeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_failures_total",
			Help: "Total number of probe executions that failed",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_jobs_total",
			Help: "Total number of transcode jobs reaching a terminal state",
		}, []string{"state"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status class",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route", "class"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsRegisteredTotal,
		m.sessionsActive,
		m.sessionsProducing,
		m.sessionsCreatedTotal,
		m.sessionsEvictedTotal,
		m.restartsBlockedTotal,
		m.probeCacheHitsTotal,
		m.probeCacheMissesTotal,
		m.probeExecutionsTotal,
		m.probeFailuresTotal,
		m.jobsTotal,
		m.requestDuration,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncSegmentsRegistered increments the segments registered counter.
func (m *Metrics) IncSegmentsRegistered() {
	if m != nil {
		m.segmentsRegisteredTotal.Inc()
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.sessionsActive.Set(float64(n))
	}
}

// SetProducingSessions sets the gauge of sessions whose encode is still running.
func (m *Metrics) SetProducingSessions(n int) {
	if m != nil {
		m.sessionsProducing.Set(float64(n))
	}
}

func (m *Metrics) IncSessionsCreated() {
	if m != nil {
		m.sessionsCreatedTotal.Inc()
	}
}

func (m *Metrics) AddSessionsEvicted(n int) {
	if m != nil && n > 0 {
		m.sessionsEvictedTotal.Add(float64(n))
	}
}

func (m *Metrics) IncRestartsBlocked() {
	if m != nil {
		m.restartsBlockedTotal.Inc()
	}
}

func (m *Metrics) IncProbeCacheHit() {
	if m != nil {
		m.probeCacheHitsTotal.Inc()
	}
}

func (m *Metrics) IncProbeCacheMiss() {
	if m != nil {
		m.probeCacheMissesTotal.Inc()
	}
}

func (m *Metrics) IncProbeExecution() {
	if m != nil {
		m.probeExecutionsTotal.Inc()
	}
}

func (m *Metrics) IncProbeFailure() {
	if m != nil {
		m.probeFailuresTotal.Inc()
	}
}

// IncJobsFinished counts a job reaching the given terminal state.
func (m *Metrics) IncJobsFinished(state string) {
	if m != nil {
		m.jobsTotal.WithLabelValues(state).Inc()
	}
}

// ObserveRequest records one served request. route is the router pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
	if status >= 400 {
		m.errorsTotal.Inc()
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
