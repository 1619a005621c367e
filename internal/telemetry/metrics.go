package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_enqueued_total", Help: "Jobs accepted by the queue"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"kind"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_retried_total", Help: "Failed attempts scheduled for another try"}, []string{"kind"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobqueue_jobs_failed_total", Help: "Jobs that failed for good"}, []string{"kind"})
	JobsStalled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_stalled_total", Help: "Active jobs whose lock expired"})
	ClaimRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_claims_rate_limited_total", Help: "Claims deferred by the worker rate limit"})
	APIRateLimited   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_api_rate_limit_rejects_total", Help: "Enqueue requests rejected by the tenant rate limit"})
	ActiveJobs       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobqueue_active_jobs", Help: "Jobs executing in this worker"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobqueue_queue_depth", Help: "Jobs per status"}, []string{"status"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsStalled,
			ClaimRateLimited,
			APIRateLimited,
			ActiveJobs,
			QueueDepth,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
