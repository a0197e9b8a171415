package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rearview",
			Name:      "runs_total",
			Help:      "Completed job runs, partitioned by resulting status.",
		},
		[]string{"status"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rearview",
			Name:      "run_seconds",
			Help:      "End-to-end execution unit latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rearview",
			Name:      "claims_total",
			Help:      "Claim attempts, partitioned by outcome (won, lost, error).",
		},
		[]string{"outcome"},
	)

	alertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rearview",
			Name:      "alert_deliveries_total",
			Help:      "Alert delivery attempts, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register attaches rearview collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		claimsTotal,
		alertDeliveriesTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records one completed execution unit.
func ObserveRun(status string, duration time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveClaim records one claim attempt.
func ObserveClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAlertDelivery records one delivery attempt.
func ObserveAlertDelivery(channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	alertDeliveriesTotal.WithLabelValues(channel, outcome).Inc()
}
