// Package observability exposes StudyPipe's Prometheus metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted    prometheus.Counter
	transitions        *prometheus.CounterVec
	responsesRecorded  *prometheus.CounterVec
	branchFailures     prometheus.Counter
	sessionsReaped     prometheus.Counter
	storeConflicts     prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "studypipe_sessions_started_total",
			Help: "Sessions created by Start.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_session_transitions_total",
			Help: "Session status transitions by target status.",
		}, []string{"to"}),
		responsesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_responses_recorded_total",
			Help: "Responses recorded by block type.",
		}, []string{"block_type"}),
		branchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "studypipe_branch_resolution_failures_total",
			Help: "Submissions that hit a branch resolution failure.",
		}),
		sessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "studypipe_sessions_reaped_total",
			Help: "Idle sessions moved to abandoned by the reaper.",
		}),
		storeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "studypipe_store_conflicts_total",
			Help: "Optimistic concurrency conflicts on session writes.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "studypipe_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpRequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studypipe_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"route"}),
	}
}

// Registry returns the underlying registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ResponseRecorded(blockType string) {
	if m == nil {
		return
	}
	m.responsesRecorded.WithLabelValues(blockType).Inc()
}

func (m *Metrics) BranchFailure() {
	if m == nil {
		return
	}
	m.branchFailures.Inc()
}

func (m *Metrics) SessionReaped() {
	if m == nil {
		return
	}
	m.sessionsReaped.Inc()
}

func (m *Metrics) StoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
