// Package metrics exposes Prometheus counters for token resolution and exchange.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes.
const (
	ResolutionConfigured = "configured"
	ResolutionDiscovered = "discovered"
	ResolutionError      = "error"
)

// Exchange outcomes.
const (
	ExchangeSuccess     = "success"
	ExchangeFailure     = "failure"
	ExchangeSkipped     = "skipped"
	ExchangePassthrough = "passthrough"
)

// Inbound outcomes.
const (
	InboundAllowed = "allowed"
	InboundDenied  = "denied"
	InboundSkipped = "skipped"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	resolutions *prometheus.CounterVec
	exchanges   *prometheus.CounterVec
	inbound     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authbridge",
				Name:      "token_endpoint_resolutions_total",
				Help:      "Token endpoint resolutions by outcome",
			},
			[]string{"outcome"},
		),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authbridge",
				Name:      "token_exchanges_total",
				Help:      "Outbound token exchanges by outcome",
			},
			[]string{"outcome"},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authbridge",
				Name:      "inbound_validations_total",
				Help:      "Inbound JWT validations by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.resolutions,
		m.exchanges,
		m.inbound,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveExchange(outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
