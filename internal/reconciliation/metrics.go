package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuplicateSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accesscore",
		Subsystem: "reconciliation",
		Name:      "duplicate_subscriptions",
		Help:      "Tenants holding more than one live subscription in the last reconciliation run.",
	})

	reconcileAccessMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accesscore",
		Subsystem: "reconciliation",
		Name:      "access_mismatches",
		Help:      "Users whose access flag disagrees with their subscription in the last reconciliation run.",
	})

	reconcileFailedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "accesscore",
		Subsystem: "reconciliation",
		Name:      "failed_events",
		Help:      "Webhook events awaiting operator review in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "accesscore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "accesscore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuplicateSubscriptions,
		reconcileAccessMismatches,
		reconcileFailedEvents,
		reconcileDuration,
		reconcileErrors,
	)
}
