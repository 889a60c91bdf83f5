package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videopipe_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_jobs_enqueued_total",
			Help: "Total number of processing jobs published to the queue",
		},
		[]string{"kind"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_jobs_completed_total",
			Help: "Total number of finished processing jobs",
		},
		[]string{"kind", "status"},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_jobs_failed_total",
			Help: "Total number of failed jobs by failure reason",
		},
		[]string{"reason", "retryable"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videopipe_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videopipe_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"kind", "status"},
	)

	// Queue Metrics
	QueueDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_queue_deliveries_total",
			Help: "Queue deliveries by outcome",
		},
		[]string{"outcome"}, // ack, retry, dead_letter, rejected
	)

	// Transcoding Metrics
	TiersEncodedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_tiers_encoded_total",
			Help: "Encoded quality tiers by outcome",
		},
		[]string{"tier", "status"},
	)

	TierEncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videopipe_tier_encode_duration_seconds",
			Help:    "Time spent encoding a single tier",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"tier"},
	)

	ThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videopipe_thumbnails_total",
			Help: "Thumbnail generation attempts by outcome",
		},
		[]string{"status"},
	)

	SourceDurationProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videopipe_source_duration_processed_seconds_total",
			Help: "Total seconds of source video processed",
		},
	)

	// Storage Metrics
	UploadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videopipe_upload_failures_total",
			Help: "Objects that failed to upload",
		},
	)

	// Janitor Metrics
	ScratchDirsRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videopipe_scratch_dirs_removed_total",
			Help: "Stale scratch directories removed by the janitor",
		},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobEnqueued records a published job
func RecordJobEnqueued(kind string) {
	JobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordJobFinished records a finished job attempt
func RecordJobFinished(kind, status string, duration float64) {
	JobsCompletedTotal.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind, status).Observe(duration)
}

// RecordJobFailure records why a job attempt failed
func RecordJobFailure(reason string, retryable bool) {
	r := "false"
	if retryable {
		r = "true"
	}
	JobsFailedTotal.WithLabelValues(reason, r).Inc()
}

// RecordDelivery records how a queue delivery was settled
func RecordDelivery(outcome string) {
	QueueDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordTierEncoded records the outcome of one tier encode
func RecordTierEncoded(tier string, success bool, duration float64) {
	status := "success"
	if !success {
		status = "failed"
	}
	TiersEncodedTotal.WithLabelValues(tier, status).Inc()
	if success {
		TierEncodeDuration.WithLabelValues(tier).Observe(duration)
	}
}

// RecordThumbnail records a thumbnail attempt
func RecordThumbnail(success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	ThumbnailsTotal.WithLabelValues(status).Inc()
}

// RecordSourceDuration adds processed source seconds
func RecordSourceDuration(seconds float64) {
	if seconds > 0 {
		SourceDurationProcessed.Add(seconds)
	}
}

// RecordUploadFailures adds failed object uploads
func RecordUploadFailures(n int) {
	if n > 0 {
		UploadFailuresTotal.Add(float64(n))
	}
}

// RecordScratchRemoved adds janitor removals
func RecordScratchRemoved(n int) {
	if n > 0 {
		ScratchDirsRemovedTotal.Add(float64(n))
	}
}
