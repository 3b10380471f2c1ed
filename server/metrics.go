package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported on /metrics. Each App owns its registry.
type Metrics struct {
	registry        *prometheus.Registry
	RefreshOutcomes *prometheus.CounterVec
	Logins          *prometheus.CounterVec
	Logouts         prometheus.Counter
	UserinfoProxied *prometheus.CounterVec
	HubConnections  prometheus.Gauge
}

// NewMetrics registers the BFF collectors plus the Go runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RefreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_token_refresh_total",
			Help: "Token validity checks by outcome.",
		}, []string{"outcome"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_logins_total",
			Help: "Completed login callbacks by result.",
		}, []string{"result"}),
		Logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bff_logouts_total",
			Help: "Sign-out requests handled.",
		}),
		UserinfoProxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bff_userinfo_requests_total",
			Help: "Userinfo relay calls by upstream status code.",
		}, []string{"code"}),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bff_hub_connections",
			Help: "Open realtime connections.",
		}),
	}
	reg.MustRegister(
		m.RefreshOutcomes,
		m.Logins,
		m.Logouts,
		m.UserinfoProxied,
		m.HubConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
