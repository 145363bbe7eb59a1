package gate

import "github.com/prometheus/client_golang/prometheus"

var (
	decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate outcomes: allowed, blocked, failed, pending, insufficient, dry_run.",
	}, []string{"decision"})

	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cronos_shield",
		Subsystem: "gate",
		Name:      "execution_duration_seconds",
		Help:      "Time from send to receipt for forwarded calls.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 40, 60},
	})

	pendingResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "gate",
		Name:      "pending_resolved_total",
		Help:      "Pending executions settled by the reconciler, by final chain state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(decisions, executionDuration, pendingResolved)
}
