// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LaneUsage tracks admitted compute calls per lane
	LaneUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foldqueue_lane_usage",
			Help: "Number of admitted compute calls per QoS lane",
		},
		[]string{"lane"},
	)

	// LaneCapacity tracks the configured concurrency limit per lane
	LaneCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foldqueue_lane_capacity",
			Help: "Configured max concurrent compute calls per QoS lane",
		},
		[]string{"lane"},
	)

	// AdmissionsTotal counts admission decisions per lane and outcome
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_admissions_total",
			Help: "Total admission decisions",
		},
		[]string{"lane", "outcome"},
	)

	// ActiveCalls tracks the size of the active compute call registry
	ActiveCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foldqueue_active_calls",
			Help: "Number of in-flight compute calls",
		},
	)

	// DedupHitsTotal counts submissions answered from an existing call
	DedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foldqueue_dedup_hits_total",
			Help: "Total submissions deduplicated by idempotency key",
		},
	)

	// BackendCallsTotal counts compute backend requests per operation and result
	BackendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_backend_calls_total",
			Help: "Total compute backend requests",
		},
		[]string{"operation", "result"},
	)

	// BackendLatency tracks compute backend request latency
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foldqueue_backend_latency_seconds",
			Help:    "Compute backend request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// JobsTerminalTotal counts jobs reaching a terminal status
	JobsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_jobs_terminal_total",
			Help: "Total jobs reaching a terminal status",
		},
		[]string{"kind", "status"},
	)

	// RecoveryDecisionsTotal counts policy decisions per category and action
	RecoveryDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_recovery_decisions_total",
			Help: "Total recovery policy decisions",
		},
		[]string{"category", "action"},
	)

	// MilestonesTotal counts batch milestones fired
	MilestonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_batch_milestones_total",
			Help: "Total batch milestone events fired",
		},
		[]string{"threshold"},
	)

	// TrackerScanDuration tracks how long one completion scan takes
	TrackerScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foldqueue_tracker_scan_duration_seconds",
			Help:    "Completion tracker scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WebhookDeliveriesTotal counts webhook deliveries per event and outcome
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_webhook_deliveries_total",
			Help: "Total webhook deliveries",
		},
		[]string{"event", "outcome"},
	)

	// HTTPPanicsTotal counts handler panics per chi route pattern
	HTTPPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foldqueue_http_panics_total",
			Help: "Total HTTP handler panics recovered",
		},
		[]string{"route"},
	)

	// WebhookDroppedTotal counts events dropped because the queue was full
	WebhookDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foldqueue_webhook_dropped_total",
			Help: "Total webhook events dropped on a full queue",
		},
	)
)
