// Package metrics holds the Prometheus collectors for the settlement worker
// and the API. Label sets are bounded: statuses and outcomes only, never
// charge ids.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Transitions counts charge status changes written by the processor or
	// the API.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charge_transitions_total",
			Help: "Charge status transitions by source and target status.",
		},
		[]string{"from", "to"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_cycle_duration_seconds",
			Help:    "Duration of settlement runs by kind (cycle, recovery, webhook_retry).",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// CyclesSkipped counts runs skipped because another run held the
	// single-flight guard.
	CyclesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_cycles_skipped_total",
			Help: "Settlement runs skipped because another run was in progress.",
		},
		[]string{"kind"},
	)

	RowErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_row_errors_total",
			Help: "Per-charge errors isolated by a sweep.",
		},
		[]string{"sweep"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts by outcome.",
		},
		[]string{"status"},
	)

	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settlement_consecutive_failures",
			Help: "Consecutive failed settlement cycles.",
		},
	)

	// HTTPRequests is keyed by the chi route pattern, not the raw path.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		Transitions,
		CycleDuration,
		CyclesSkipped,
		RowErrors,
		WebhookDeliveries,
		ConsecutiveFailures,
		HTTPRequests,
		HTTPDuration,
	)
}
