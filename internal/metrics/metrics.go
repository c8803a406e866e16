// Package metrics exposes the request/provider counters and latency
// histograms the gateway's dispatch pipeline calls for, via Prometheus
// client_golang already pulled in through its telemetry stack.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the gateway's Prometheus collectors.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestFailures  *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CreditsCharged   *prometheus.CounterVec
	ActiveCircuits   *prometheus.GaugeVec
}

// New registers and returns the gateway's metric collectors against reg. In
// tests and dev use prometheus.NewRegistry() to avoid the global default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_requests_total",
			Help: "Total number of dispatched requests by provider and model.",
		}, []string{"provider", "model", "endpoint"}),
		RequestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_request_failures_total",
			Help: "Total number of failed requests by provider, model and error kind.",
		}, []string{"provider", "model", "kind"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vgate_request_duration_seconds",
			Help:    "Request latency in seconds by provider and model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		CreditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_credits_charged_micro_total",
			Help: "Total micro-credits charged by model.",
		}, []string{"model"}),
		ActiveCircuits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vgate_subprovider_circuit_state",
			Help: "Current circuit breaker state per sub-provider (0=closed,1=half_open,2=open).",
		}, []string{"sub_provider"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestFailures, m.RequestLatency, m.CreditsCharged, m.ActiveCircuits)
	return m
}

// ObserveRequest records one completed dispatch: its latency, whether it
// failed (and with what error kind), and the micro-credits it charged.
func (m *Metrics) ObserveRequest(provider, model, endpoint string, start time.Time, errKind string, creditsMicro int64) {
	m.RequestsTotal.WithLabelValues(provider, model, endpoint).Inc()
	m.RequestLatency.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	if errKind != "" {
		m.RequestFailures.WithLabelValues(provider, model, errKind).Inc()
	}
	if creditsMicro > 0 {
		m.CreditsCharged.WithLabelValues(model).Add(float64(creditsMicro))
	}
}
