// Package metrics holds the Prometheus instrumentation of the gateway and
// the health poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates all collectors. A fresh registry per instance keeps
// tests independent.
type Metrics struct {
	Registry *prometheus.Registry

	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	PollerChecks   *prometheus.CounterVec
	PollerCycles   prometheus.Counter
	ServersByState *prometheus.GaugeVec
	PanicsStarted  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loadbalancer_api_requests_total",
			Help: "API requests handled, by endpoint and returncode.",
		}, []string{"endpoint", "returncode"}),

		APIDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loadbalancer_api_request_duration_seconds",
			Help:    "API request latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		PollerChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loadbalancer_poller_checks_total",
			Help: "Health check bundles executed, by result.",
		}, []string{"result"}),

		PollerCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadbalancer_poller_cycles_total",
			Help: "Completed poller cycles.",
		}),

		ServersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loadbalancer_servers",
			Help: "Servers in the fleet, by state.",
		}, []string{"state"}),

		PanicsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loadbalancer_panics_total",
			Help: "Panic migrations started.",
		}),
	}
}
