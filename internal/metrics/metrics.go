// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bulkmail_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)

	TrackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_tracking_events_total",
			Help: "Tracking hits by kind and whether the store write succeeded",
		},
		[]string{"kind", "result"}, // kind: open, click, survey; result: recorded, failed, invalid
	)

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_job_transitions_total",
			Help: "Email job state transitions",
		},
		[]string{"to"}, // SENT, FAILED, CANCELLED, RETRY, NOOP
	)

	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkmail_quota_decisions_total",
			Help: "Campaign admission decisions",
		},
		[]string{"plan", "decision"}, // decision: admitted, rejected
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bulkmail_dispatch_send_seconds",
			Help:    "Time spent handing one job to the sender",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	CorruptedFields = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bulkmail_corrupted_fields_total",
			Help: "Encrypted fields that failed authentication on read",
		},
	)
)

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func RecordTracking(kind, result string) {
	TrackingEvents.WithLabelValues(kind, result).Inc()
}

func RecordTransition(to string) {
	JobTransitions.WithLabelValues(to).Inc()
}

// RecordTransitions counts n jobs moving to the same state at once.
func RecordTransitions(to string, n int64) {
	JobTransitions.WithLabelValues(to).Add(float64(n))
}

func RecordQuotaDecision(plan, decision string) {
	QuotaDecisions.WithLabelValues(plan, decision).Inc()
}

func RecordDispatch(d time.Duration) {
	DispatchDuration.Observe(d.Seconds())
}
