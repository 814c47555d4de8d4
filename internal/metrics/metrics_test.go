package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunMetrics(t *testing.T) {
	m := New()
	m.RunStarted()
	if got := testutil.ToFloat64(m.runsInFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	m.RunFinished("convert", "success", 2*time.Second)
	m.RunResolved("convert", "skipped_cached")

	if got := testutil.ToFloat64(m.runsInFlight); got != 0 {
		t.Fatalf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("convert", "success")); got != 1 {
		t.Fatalf("success runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("convert", "skipped_cached")); got != 1 {
		t.Fatalf("cached runs = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("convert", "failed", time.Second)
	m.ResolveSkipped("empty")
	m.HTTPRequest("/api/list", 200)
	m.Heartbeat()
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.HTTPRequest("/api/run", 409)
	m.Heartbeat()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`slug_http_requests_total{code="4xx",route="/api/run"} 1`,
		"slug_supervisor_heartbeats_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
