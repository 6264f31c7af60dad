// payment-recon/pkg/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Label "gateway" so one query can compare Atlantic vs QiosPay vs
	// OrderKuota vs Pakasir behaviour side by side.
	ReconCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "cycles_total",
			Help:      "Poll cycles run per gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "matches_total",
			Help:      "Transactions transitioned to success, by source",
		},
		[]string{"gateway", "source"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "webhooks_total",
			Help:      "Inbound webhook deliveries per gateway and result",
		},
		[]string{"gateway", "result"},
	)

	FanoutFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recon",
			Name:      "fanout_failures_total",
			Help:      "Best-effort notification failures per channel",
		},
		[]string{"channel"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "recon",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reconciliation cycle per gateway",
			Buckets: []float64{
				0.01, 0.02, 0.03, 0.05, 0.08, 0.12,
				0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5, 8, 13,
			},
		},
		[]string{"gateway"},
	)
)

func init() {
	prometheus.MustRegister(
		ReconCyclesTotal, MatchesTotal, WebhooksTotal,
		FanoutFailuresTotal, CycleDuration,
	)
}

// Helpers so call sites stay tidy.
func IncCycle(gateway, outcome string) {
	ReconCyclesTotal.WithLabelValues(gateway, outcome).Inc()
}
func IncMatch(gateway, source string) {
	MatchesTotal.WithLabelValues(gateway, source).Inc()
}
func IncWebhook(gateway, result string) {
	WebhooksTotal.WithLabelValues(gateway, result).Inc()
}
func IncFanoutFailure(channel string) {
	FanoutFailuresTotal.WithLabelValues(channel).Inc()
}
func ObserveCycle(gateway string, seconds float64) {
	CycleDuration.WithLabelValues(gateway).Observe(seconds)
}
