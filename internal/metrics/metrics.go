// Package metrics defines the Prometheus collectors of the tenant router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commhub"

var (
	RegisteredAliases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_aliases",
			Help:      "Number of tenant aliases in the connection registry",
		},
	)
	PoolsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_pools_opened_total",
			Help:      "Connection pools opened by the registry",
		},
	)
	DirectoryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Tenant directory lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)
	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Router decisions by category and target kind",
		},
		[]string{"category", "target"},
	)
	RegistrationSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_steps_total",
			Help:      "Registration workflow state transitions",
		},
		[]string{"state"},
	)
	RegistrationResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_results_total",
			Help:      "Finished registrations by outcome kind",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(RegisteredAliases)
	prometheus.MustRegister(PoolsOpened)
	prometheus.MustRegister(DirectoryLookups)
	prometheus.MustRegister(RoutingDecisions)
	prometheus.MustRegister(RegistrationSteps)
	prometheus.MustRegister(RegistrationResults)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
