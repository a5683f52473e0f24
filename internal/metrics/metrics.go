// Package metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	// ObservationsIngested counts observations written to the cache.
	ObservationsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "feed",
			Name:      "observations_total",
			Help:      "Total observations ingested into the cache.",
		},
		[]string{"venue", "kind"},
	)

	// CacheEntries tracks cache occupancy, sampled on each cleanup pass.
	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quotefeed",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cache entries by freshness.",
		},
		[]string{"freshness"},
	)

	// CleanupRemoved counts entries physically removed by cleanup passes.
	CleanupRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "cache",
			Name:      "cleanup_removed_total",
			Help:      "Total stale entries removed by cleanup.",
		},
	)

	// QuotesServed counts quote requests by outcome.
	QuotesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quotefeed",
			Subsystem: "compositor",
			Name:      "quotes_total",
			Help:      "Total quote requests by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(ObservationsIngested, CacheEntries, CleanupRemoved, QuotesServed)
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
