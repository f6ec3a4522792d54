package lambdart

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps a private prometheus registry scoped to one runtime
// instance. It is never registered against prometheus.DefaultRegisterer
// so a process embedding this runtime can run several instances (or
// none) without collisions.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	controlPlaneLatency *prometheus.HistogramVec
}

var defaultLatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// NewMetrics creates a Metrics instance under the given namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total invocations handled, partitioned by outcome.",
		}, []string{"outcome"}),
		invocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time from receiving an invocation to reporting its result.",
			Buckets:   prometheus.DefBuckets,
		}),
		controlPlaneLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "controlplane_request_duration_seconds",
			Help:      "Round-trip latency of control-plane HTTP calls, by operation.",
			Buckets:   defaultLatencyBuckets,
		}, []string{"operation"}),
	}

	registry.MustRegister(m.invocationsTotal, m.invocationDuration, m.controlPlaneLatency)
	return m
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeInvocation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(outcome).Inc()
	m.invocationDuration.Observe(d.Seconds())
}

func (m *Metrics) observeControlPlane(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.controlPlaneLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// observeInitError records a handler construction failure. There is no
// invocation duration to observe yet — no invocation was ever fetched
// — so only the outcome counter moves.
func (m *Metrics) observeInitError() {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(outcomeInitError).Inc()
}

const (
	outcomeSuccess      = "success"
	outcomeHandlerError = "handler_error"
	outcomeInitError    = "init_error"
)
