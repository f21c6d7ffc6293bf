// Package metrics provides Prometheus metrics for the ward services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epis/medadmin/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	ResolveTotal        *prometheus.CounterVec
	RecordTotal         *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	OutboxFailed        prometheus.Gauge
	OutboxPublished     prometheus.Counter
	EventsConsumed      prometheus.Counter
	SummariesProjected  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_resolve_total",
			Help: "Dose schedule resolutions by outcome",
		}, []string{"scope", "outcome"}),
		RecordTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "administration_record_total",
			Help: "Administration recordings by outcome (inserted, updated or error kind)",
		}, []string{"outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medadmin_operation_duration_seconds",
			Help:    "Duration of resolve and record operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"method", "route", "status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published to the broker",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "administration_events_consumed_total",
			Help: "Administration events consumed by the summary projection",
		}),
		SummariesProjected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_summaries_projected_total",
			Help: "Day summaries projected, by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ResolveTotal,
		m.RecordTotal,
		m.OperationDuration,
		m.HTTPRequests,
		m.OutboxPending,
		m.OutboxFailed,
		m.OutboxPublished,
		m.EventsConsumed,
		m.SummariesProjected,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveResolve counts a resolution. scope is "patient" or "ward"; outcome
// is "ok" or an error kind.
func (m *Metrics) ObserveResolve(scope, outcome string, d time.Duration) {
	m.ResolveTotal.WithLabelValues(scope, outcome).Inc()
	m.OperationDuration.WithLabelValues("resolve_" + scope).Observe(d.Seconds())
}

// ObserveRecord counts a recording by its upsert result or error kind.
func (m *Metrics) ObserveRecord(outcome string, d time.Duration) {
	m.RecordTotal.WithLabelValues(outcome).Inc()
	m.OperationDuration.WithLabelValues("record").Observe(d.Seconds())
}

// SetBreakerState exports a breaker transition. It fits
// circuitbreaker.Config.OnStateChange.
func (m *Metrics) SetBreakerState(name string, from, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
