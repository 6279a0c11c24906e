package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakhel_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// DispatchOutcomes counts Perform results by outcome.
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_dispatch_outcomes_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_delivery_attempts_total",
			Help: "Transport attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakhel_delivery_duration_seconds",
			Help:    "Duration of transport calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	RebuildDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_rebuild_decisions_total",
			Help: "Impact analysis decisions by owner kind and decision",
		},
		[]string{"owner", "decision"},
	)

	IntentRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_intent_refreshes_total",
			Help: "Intent generate/refresh results by mode",
		},
		[]string{"mode"},
	)

	CalendarLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_calendar_lookups_total",
			Help: "Calendar conversions by cache result",
		},
		[]string{"result"},
	)

	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_queue_jobs_total",
			Help: "Processed queue jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakhel_sweep_runs_total",
			Help: "Daily community sweeps by result",
		},
		[]string{"result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hakhel_queue_depth",
			Help: "Jobs waiting in the delayed queue",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		HTTPRequests, RequestDuration,
		DispatchOutcomes, DeliveryAttempts, DeliveryDuration,
		RebuildDecisions, IntentRefreshes, CalendarLookups,
		QueueJobs, QueueDepth, SweepRuns,
	)
}
