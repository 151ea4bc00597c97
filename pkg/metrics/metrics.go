package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Queue metrics
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total number of jobs enqueued by queue",
		},
		[]string{"queue"},
	)

	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retries_total",
			Help: "Total number of retries scheduled by queue",
		},
		[]string{"queue"},
	)

	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Total number of jobs routed to the dead letter queue",
		},
		[]string{"queue"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Observed job execution durations by queue and outcome",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600, 900, 1200, 1800},
		},
		[]string{"queue", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
		[]string{"queue"},
	)

	WorkersBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_busy",
			Help: "Number of busy workers per queue",
		},
		[]string{"queue"},
	)

	// Circuit breaker metrics
	BreakerSuccessesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_successes_total",
			Help: "Total successful calls recorded by circuit breaker",
		},
		[]string{"breaker"},
	)

	BreakerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total failed calls recorded by circuit breaker",
		},
		[]string{"breaker"},
	)

	BreakerOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opens_total",
			Help: "Total transitions into the open state by circuit breaker",
		},
		[]string{"breaker"},
	)

	// Audit metrics
	AuditEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events dropped because the batcher queue was full",
		},
	)

	AuditFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_duration_seconds",
			Help:    "Time taken to flush an audit batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Object store metrics
	ObjectStoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "object_store_request_duration_seconds",
			Help:    "Object store request duration by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ObjectStoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "object_store_retries_total",
			Help: "Object store request retries by operation",
		},
		[]string{"operation"},
	)

	// OCR metrics
	OCRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_requests_total",
			Help: "OCR provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Deletion sweeper metrics
	DeletionSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deletion_sweeps_total",
			Help: "Total deletion sweeper cycles completed",
		},
	)

	DeletionsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deletions_completed_total",
			Help: "Total documents fully erased by the deletion workflow",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueEnqueuedTotal)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(BreakerSuccessesTotal)
	prometheus.MustRegister(BreakerFailuresTotal)
	prometheus.MustRegister(BreakerOpensTotal)
	prometheus.MustRegister(AuditEventsDroppedTotal)
	prometheus.MustRegister(AuditFlushDuration)
	prometheus.MustRegister(ObjectStoreRequestDuration)
	prometheus.MustRegister(ObjectStoreRetriesTotal)
	prometheus.MustRegister(OCRRequestsTotal)
	prometheus.MustRegister(DeletionSweepsTotal)
	prometheus.MustRegister(DeletionsCompletedTotal)
}
