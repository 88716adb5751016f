package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	analysesSubmitted *prometheus.CounterVec
	analysesResolved  *prometheus.CounterVec
	analysesInFlight  prometheus.Gauge
	progressTicks     *prometheus.CounterVec
	ordersCreated     prometheus.Counter

	// Analyzer endpoint metrics
	analyzerRequestsTotal   *prometheus.CounterVec
	analyzerRequestDuration *prometheus.HistogramVec

	eventsPublished *prometheus.CounterVec
	systemErrors    *prometheus.CounterVec
}

// NewMetricsCollector creates a collector backed by its own registry
func NewMetricsCollector(serviceName string) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		analysesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_analyses_submitted_total",
				Help: "Submit attempts by analyzer and outcome",
			},
			[]string{"analyzer", "outcome", "service"},
		),
		analysesResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_analyses_resolved_total",
				Help: "Resolve calls by outcome",
			},
			[]string{"outcome", "service"},
		),
		analysesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lab_analyses_in_flight",
				Help: "Order services currently tracked by the progress store",
			},
		),
		progressTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_progress_ticks_total",
				Help: "Progress scheduler ticks by status",
			},
			[]string{"status", "service"},
		),
		ordersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lab_orders_created_total",
				Help: "Lab orders accepted by intake",
			},
		),
		analyzerRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_analyzer_requests_total",
				Help: "Requests sent to analyzer endpoints",
			},
			[]string{"analyzer", "method", "status", "service"},
		),
		analyzerRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lab_analyzer_request_duration_seconds",
				Help:    "Duration of analyzer endpoint requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"analyzer", "method", "service"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_events_published_total",
				Help: "Analysis lifecycle events by type and status",
			},
			[]string{"type", "status", "service"},
		),
		systemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "system_errors_total",
				Help: "Total number of system errors",
			},
			[]string{"error_type", "service", "component"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.analysesSubmitted,
		m.analysesResolved,
		m.analysesInFlight,
		m.progressTicks,
		m.ordersCreated,
		m.analyzerRequestsTotal,
		m.analyzerRequestDuration,
		m.eventsPublished,
		m.systemErrors,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordSubmit records the outcome of a submit attempt
func (m *MetricsCollector) RecordSubmit(analyzer, outcome string) {
	m.analysesSubmitted.WithLabelValues(analyzer, outcome, m.serviceName).Inc()
}

// RecordResolve records the outcome of a resolve call
func (m *MetricsCollector) RecordResolve(outcome string) {
	m.analysesResolved.WithLabelValues(outcome, m.serviceName).Inc()
}

// SetInFlight sets the number of tracked progress entries
func (m *MetricsCollector) SetInFlight(n int) {
	m.analysesInFlight.Set(float64(n))
}

// RecordTick records a scheduler tick
func (m *MetricsCollector) RecordTick(success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	m.progressTicks.WithLabelValues(status, m.serviceName).Inc()
}

// RecordOrderCreated counts an accepted order
func (m *MetricsCollector) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordAnalyzerRequest records a call to an analyzer endpoint
func (m *MetricsCollector) RecordAnalyzerRequest(analyzer, method string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	if statusCode == 0 {
		status = "error"
	}
	m.analyzerRequestsTotal.WithLabelValues(analyzer, method, status, m.serviceName).Inc()
	m.analyzerRequestDuration.WithLabelValues(analyzer, method, m.serviceName).Observe(duration.Seconds())
}

// RecordEvent records a published event
func (m *MetricsCollector) RecordEvent(eventType string, success bool) {
	m.eventsPublished.WithLabelValues(eventType, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	m.systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// routeTemplate keeps endpoint labels bounded by using the mux route pattern
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
