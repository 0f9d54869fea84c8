package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation_CountsByOutcome(t *testing.T) {
	m := New()
	m.ObserveOperation("Patient", "create", nil, 3*time.Millisecond)
	m.ObserveOperation("Patient", "create", nil, time.Millisecond)
	m.ObserveOperation("Patient", "create", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("Patient", "create", OutcomeOK)); got != 2 {
		t.Errorf("expected 2 ok creates, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("Patient", "create", OutcomeError)); got != 1 {
		t.Errorf("expected 1 failed create, got %v", got)
	}
	if n := testutil.CollectAndCount(m.operationDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("Patient", "read", nil, time.Millisecond)
	m.ObserveNotification("redis", nil)
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/fhir/R4/Patient", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/R4/Patient", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestObserveNotification(t *testing.T) {
	m := New()
	m.ObserveNotification("amqp", errors.New("closed"))
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("amqp", OutcomeError)); got != 1 {
		t.Errorf("expected 1 failed notification, got %v", got)
	}
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	m := New()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/fhir/R4/:type/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "gone")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/R4/Patient/123", nil))

	n := testutil.CollectAndCount(m.httpDuration)
	if n != 1 {
		t.Fatalf("expected one request series, got %d", n)
	}
	expected := `http_server_request_duration_seconds_count{method="GET",resource_type="Patient",route="/fhir/R4/:type/:id",status_code="404"} 1`
	body := scrape(t, m)
	if !strings.Contains(body, expected) {
		t.Errorf("expected %q in output:\n%s", expected, body)
	}
	if got := testutil.ToFloat64(m.httpActive); got != 0 {
		t.Errorf("expected no active requests after completion, got %v", got)
	}
}

func TestHandler_ExpositionFormat(t *testing.T) {
	m := New()
	m.ObserveOperation("Observation", "search", nil, time.Millisecond)

	body := scrape(t, m)
	for _, name := range []string{
		"fhir_operations_total",
		"fhir_operation_duration_seconds",
		"http_server_active_requests",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %q", name)
		}
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("expected Prometheus HELP and TYPE comments in output")
	}
}

func TestExtractFHIRResourceType(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/fhir/R4/Patient/123", "Patient"},
		{"/fhir/R4/Patient", "Patient"},
		{"/fhir/R4/MedicationRequest", "MedicationRequest"},
		{"/fhir/R4/$process-message", ""},
		{"/fhir/R4/", ""},
		{"/health", ""},
		{"", ""},
		{"/fhir/R4/Patient/123/_history/1", "Patient"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := extractFHIRResourceType(tt.path); got != tt.expected {
				t.Fatalf("extractFHIRResourceType(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	e := echo.New()
	e.GET("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}
