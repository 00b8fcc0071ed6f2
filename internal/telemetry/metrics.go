// Package telemetry is the usage/telemetry sink's process-local emitter:
// counters and timing distributions per completed job. Durable per-tenant
// aggregates live in the job store.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_submitted_total", Help: "Jobs accepted by the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_rate_limit_rejects_total", Help: "Submissions rejected by the per-tenant rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_failed_total", Help: "Jobs that reached the failed state"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_retried_total", Help: "Transient failures requeued for retry"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	LeaseReclaims    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_lease_reclaims_total", Help: "Leases lost to expiry while the holder was still working"})
	StaleResults     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcription_stale_results_total", Help: "Worker results discarded after losing the lease"})

	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcription_jobs_inflight", Help: "Jobs currently claimed or running"})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcription_processing_seconds",
		Help:    "Wall-clock processing time per completed job",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	MediaDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcription_media_duration_seconds",
		Help:    "Duration of transcribed media per completed job",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			JobsCancelled,
			LeaseReclaims,
			StaleResults,
			InFlightGauge,
			ProcessingSeconds,
			MediaDurationSeconds,
		)
	})
	return promhttp.Handler()
}
