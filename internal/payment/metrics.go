package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	challengesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "payment",
		Name:      "challenges_issued_total",
		Help:      "402 challenges issued by resource.",
	}, []string{"resource"})

	settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "payment",
		Name:      "settlements_total",
		Help:      "Settlement attempts by result: settled, replayed, verify_failed, settle_failed, expired, unknown.",
	}, []string{"result"})

	entitlementChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "payment",
		Name:      "entitlement_checks_total",
		Help:      "Entitlement checks by outcome.",
	}, []string{"result"})

	expiredSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cronos_shield",
		Subsystem: "payment",
		Name:      "expired_swept_total",
		Help:      "Unsettled payment records removed after expiry.",
	})
)

func init() {
	prometheus.MustRegister(challengesIssued, settlements, entitlementChecks, expiredSwept)
}
