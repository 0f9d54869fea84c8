// Package telemetry exposes Prometheus metrics for repository operations,
// notification delivery and the HTTP surface.
package telemetry

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// durationBuckets are request and operation duration boundaries in seconds.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics owns a private registry. A nil *Metrics records nothing, so callers
// never need to check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	notifications     *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpActive        prometheus.Gauge
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_operations_total",
			Help: "Repository operations by resource type, operation and outcome.",
		}, []string{"resource_type", "operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhir_operation_duration_seconds",
			Help:    "Repository operation latency.",
			Buckets: durationBuckets,
		}, []string{"resource_type", "operation"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_notifications_total",
			Help: "Change notifications by sink and outcome.",
		}, []string{"sink", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP server requests.",
			Buckets: durationBuckets,
		}, []string{"method", "route", "status_code", "resource_type"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of active HTTP requests.",
		}),
	}
	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.notifications,
		m.httpDuration,
		m.httpActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation counts one repository operation and records its latency.
func (m *Metrics) ObserveOperation(resourceType, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(resourceType, operation, outcome(err)).Inc()
	m.operationDuration.WithLabelValues(resourceType, operation).Observe(elapsed.Seconds())
}

// ObserveNotification counts one delivery attempt to sink.
func (m *Metrics) ObserveNotification(sink string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// MetricsMiddleware records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.httpActive.Inc()
			defer m.httpActive.Dec()

			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			m.httpDuration.WithLabelValues(
				req.Method,
				route,
				strconv.Itoa(status),
				extractFHIRResourceType(req.URL.Path),
			).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// extractFHIRResourceType parses a FHIR resource type from a URL path.
// It returns "" for non-FHIR paths, operation paths ($process-message), or
// empty segments.
func extractFHIRResourceType(path string) string {
	const prefix = "/fhir/R4/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}

	rest := path[idx+len(prefix):]
	if slashIdx := strings.IndexByte(rest, '/'); slashIdx >= 0 {
		rest = rest[:slashIdx]
	}

	// FHIR resource types are PascalCase.
	if rest == "" || !unicode.IsUpper(rune(rest[0])) {
		return ""
	}
	return rest
}
