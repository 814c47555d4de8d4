// Package metrics defines the Prometheus collectors exported by slug.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slug"

// Metrics groups the collectors shared by the resolver, pipeline and server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsInFlight    prometheus.Gauge
	lockWaits       *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	resolveSkips    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	heartbeats      prometheus.Counter
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by module and final status.",
		}, []string{"module", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of module invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}, []string{"module"}),
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Module invocations currently executing.",
		}),
		lockWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "lock_contention_total",
			Help:      "Runs that found their (entity, module) lock held.",
		}, []string{"module", "outcome"}),
		resolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "walk_duration_seconds",
			Help:      "Duration of full hierarchy walks.",
			Buckets:   prometheus.DefBuckets,
		}),
		resolveSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "skipped_entries_total",
			Help:      "Directory entries skipped during resolution.",
		}, []string{"reason"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code class.",
		}, []string{"route", "code"}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "heartbeats_total",
			Help:      "Browser heartbeats received.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunStarted increments the in-flight gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records the outcome of a module invocation.
func (m *Metrics) RunFinished(module, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runDuration.WithLabelValues(module).Observe(elapsed.Seconds())
	m.runsTotal.WithLabelValues(module, status).Inc()
}

// RunResolved counts runs that ended without invoking the module.
func (m *Metrics) RunResolved(module, status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(module, status).Inc()
}

// LockContended counts a contended lock; outcome is "waited" or "rejected".
func (m *Metrics) LockContended(module, outcome string) {
	if m == nil {
		return
	}
	m.lockWaits.WithLabelValues(module, outcome).Inc()
}

// ObserveResolve records a full hierarchy walk.
func (m *Metrics) ObserveResolve(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(elapsed.Seconds())
}

// ResolveSkipped counts a skipped directory entry.
func (m *Metrics) ResolveSkipped(reason string) {
	if m == nil {
		return
	}
	m.resolveSkips.WithLabelValues(reason).Inc()
}

// HTTPRequest counts a served API request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, codeClass(code)).Inc()
}

// Heartbeat counts a browser heartbeat.
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
