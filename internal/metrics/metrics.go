// Package metrics exports Prometheus collectors for plans, retries, search,
// memory, ingestion and the HTTP API.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/taskmind/internal/eventbus"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/planner"
)

// Metrics holds every collector. One instance serves the whole process.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Planner
	PlansTotal   *prometheus.CounterVec
	PlanDuration *prometheus.HistogramVec
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	EventsTotal  *prometheus.CounterVec

	// Resilience
	RetriesTotal     *prometheus.CounterVec
	RetryDelay       prometheus.Histogram
	FeaturesDisabled *prometheus.CounterVec

	// Retrieval and memory
	SearchesTotal   *prometheus.CounterVec
	SearchDuration  *prometheus.HistogramVec
	SearchResults   *prometheus.HistogramVec
	MemoryEntries   prometheus.Gauge
	MemoryEvictions *prometheus.CounterVec

	// Ingestion and streaming
	IngestJobsTotal     *prometheus.CounterVec
	WSConnectionsActive prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers collectors under namespace with reg. A nil reg uses a
// fresh registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		PlansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_finished_total",
				Help:      "Finished plans by final status",
			},
			[]string{"status"},
		),
		PlanDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Plan duration from creation to completion",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		StepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed plan steps by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step duration including retries",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Lifecycle events published on the bus",
			},
			[]string{"type"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry waits by operation",
			},
			[]string{"operation"},
		),
		RetryDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay before a retry",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		FeaturesDisabled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_disabled_total",
				Help:      "Features switched off after a failure",
			},
			[]string{"feature"},
		),
		SearchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Knowledge searches by mode",
			},
			[]string{"mode"},
		),
		SearchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_duration_seconds",
				Help:      "Knowledge search latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"mode"},
		),
		SearchResults: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results",
				Help:      "Number of results returned per search",
				Buckets:   []float64{0, 1, 3, 5, 10, 20, 50},
			},
			[]string{"mode"},
		),
		MemoryEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_entries",
				Help:      "Memories currently cached",
			},
		),
		MemoryEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_evictions_total",
				Help:      "Memories removed by pruning",
			},
			[]string{"reason"},
		),
		IngestJobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_jobs_total",
				Help:      "Processed ingestion jobs by outcome",
			},
			[]string{"status"},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Open event stream connections",
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route
// pattern, which keeps ids out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// ObserveBus counts every event published on bus. The returned function
// unsubscribes.
func (m *Metrics) ObserveBus(bus *eventbus.Bus) func() {
	return bus.Subscribe(func(ev eventbus.Event) {
		m.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	})
}

func (m *Metrics) RetryAttempt(operation string, _ int, delay time.Duration) {
	m.RetriesTotal.WithLabelValues(operation).Inc()
	m.RetryDelay.Observe(delay.Seconds())
}

func (m *Metrics) FeatureDisabled(name string) {
	m.FeaturesDisabled.WithLabelValues(name).Inc()
}

func (m *Metrics) SearchCompleted(mode string, elapsed time.Duration, results int) {
	m.SearchesTotal.WithLabelValues(mode).Inc()
	m.SearchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.SearchResults.WithLabelValues(mode).Observe(float64(results))
}

func (m *Metrics) StepFinished(tool string, status planner.StepStatus, d time.Duration) {
	m.StepsTotal.WithLabelValues(tool, string(status)).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) PlanFinished(status planner.Status, d time.Duration) {
	m.PlansTotal.WithLabelValues(string(status)).Inc()
	m.PlanDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// IngestJob records one processed ingestion job.
func (m *Metrics) IngestJob(status string) {
	m.IngestJobsTotal.WithLabelValues(status).Inc()
}

// MemoryObserver adapts Metrics to the memory manager's observer.
func (m *Metrics) MemoryObserver() memory.Observer { return memoryObserver{m} }

type memoryObserver struct{ m *Metrics }

func (o memoryObserver) MemoryEntries(n int) { o.m.MemoryEntries.Set(float64(n)) }
func (o memoryObserver) MemoryEvicted(reason string, n int) {
	o.m.MemoryEvictions.WithLabelValues(reason).Add(float64(n))
}
