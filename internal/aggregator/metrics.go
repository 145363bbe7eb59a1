package aggregator

import "github.com/prometheus/client_golang/prometheus"

var (
	factResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "aggregator",
		Name:      "fact_resolutions_total",
		Help:      "Resolved facts by fact type and the tier that supplied the value.",
	}, []string{"fact", "source"})

	sourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "aggregator",
		Name:      "source_failures_total",
		Help:      "Failed upstream fetches by fact type and source name.",
	}, []string{"fact", "upstream"})

	collectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cronos_shield",
		Subsystem: "aggregator",
		Name:      "collect_duration_seconds",
		Help:      "Time to assemble a full fact set.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "aggregator",
		Name:      "memory_cache_evictions_total",
		Help:      "Expired entries dropped from the in-memory fact cache.",
	})

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cronos_shield",
		Subsystem: "aggregator",
		Name:      "memory_cache_entries",
		Help:      "Entries held by the in-memory fact cache after the last purge.",
	})
)

func init() {
	prometheus.MustRegister(factResolutions, sourceFailures, collectDuration, cacheEvictions, cacheEntries)
}
