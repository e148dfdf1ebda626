// Package metrics wires Prometheus collectors for the worker executor,
// grounded on the teacher's internal/metrics/prometheus.go: a private
// registry constructed once via New, counters/histograms built with
// namespace-scoped prometheus.*Opts, and an http.Handler exposed via
// promhttp for a metrics endpoint (out of scope to serve here, but the
// Handler method is the same shape the teacher's PrometheusHandler uses).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golem-project/worker-executor/internal/durable"
	"github.com/golem-project/worker-executor/internal/oplog"
)

var defaultDurableCallBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Metrics wraps the Prometheus collectors the executor emits. The zero
// value is not usable; construct with New.
type Metrics struct {
	registry *prometheus.Registry

	durableCallsTotal    *prometheus.CounterVec
	durableCallDuration  *prometheus.HistogramVec
	invocationsTotal     *prometheus.CounterVec
	activeWorkers        prometheus.Gauge
	activeSetEvictions   *prometheus.CounterVec
	oplogAppendsTotal    *prometheus.CounterVec
}

// New constructs a Metrics instance registered under namespace (e.g.
// "golem"), along with the standard Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		durableCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_calls_total",
			Help:      "Total number of durable host-function calls, by wrap type, mode, and outcome.",
		}, []string{"wrap_type", "mode", "status"}),
		durableCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "durable_call_duration_ms",
			Help:      "Duration of durable host-function calls in milliseconds.",
			Buckets:   defaultDurableCallBuckets,
		}, []string{"wrap_type", "mode"}),
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of worker invocations, by outcome.",
		}, []string{"status"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Number of workers currently resident in the active set.",
		}),
		activeSetEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_set_evictions_total",
			Help:      "Total active-set evictions, by reason.",
		}, []string{"reason"}),
		oplogAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oplog_appends_total",
			Help:      "Total oplog entries appended, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.durableCallsTotal,
		m.durableCallDuration,
		m.invocationsTotal,
		m.activeWorkers,
		m.activeSetEvictions,
		m.oplogAppendsTotal,
	)
	return m
}

// Handler returns an http.Handler serving this registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDurableCall implements durable.Recorder, so internal/durable never
// imports this package directly.
func (m *Metrics) ObserveDurableCall(functionID string, wrapType oplog.WrapType, mode durable.Mode, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.durableCallsTotal.WithLabelValues(string(wrapType), mode.String(), status).Inc()
	m.durableCallDuration.WithLabelValues(string(wrapType), mode.String()).Observe(float64(duration.Milliseconds()))
}

// SetActiveWorkers records the current size of the active set.
func (m *Metrics) SetActiveWorkers(n int) {
	m.activeWorkers.Set(float64(n))
}

// RecordEviction increments the active-set eviction counter for reason
// (e.g. "lru", "idle").
func (m *Metrics) RecordEviction(reason string) {
	m.activeSetEvictions.WithLabelValues(reason).Inc()
}

// RecordInvocation increments the invocation counter for status ("ok",
// "trap", or "error").
func (m *Metrics) RecordInvocation(status string) {
	m.invocationsTotal.WithLabelValues(status).Inc()
}

// RecordAppend increments the oplog append counter for the given entry
// kind.
func (m *Metrics) RecordAppend(kind oplog.Kind) {
	m.oplogAppendsTotal.WithLabelValues(string(kind)).Inc()
}
