// Package metrics exposes Prometheus counters and histograms for job
// throughput, duration, and failure rate, registered against a private
// registry so tests can assert on fresh collectors instead of the global
// default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/bulkjobs/internal/jobs"
)

// Recorder holds every metric this process exports.
type Recorder struct {
	registry *prometheus.Registry

	jobsStarted   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	rowsProcessed *prometheus.CounterVec
	rowsFailed    *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	lockWaitMS    prometheus.Histogram
}

// New builds a Recorder on a fresh registry and registers the standard Go
// runtime/process collectors alongside the domain metrics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: reg,
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkjobs",
			Name:      "jobs_started_total",
			Help:      "Number of jobs that entered PROCESSING.",
		}, []string{"kind", "resource_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkjobs",
			Name:      "jobs_finished_total",
			Help:      "Number of jobs that reached a terminal status.",
		}, []string{"kind", "resource_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulkjobs",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a job run from PROCESSING to terminal.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind", "resource_type", "status"}),
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkjobs",
			Name:      "rows_processed_total",
			Help:      "Rows processed across all import jobs.",
		}, []string{"resource_type"}),
		rowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkjobs",
			Name:      "rows_failed_total",
			Help:      "Rows that failed validation or upsert.",
		}, []string{"resource_type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bulkjobs",
			Name:      "queue_pending_messages",
			Help:      "Messages pending delivery on the job stream's consumer group.",
		}),
		lockWaitMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bulkjobs",
			Name:      "lock_acquire_wait_milliseconds",
			Help:      "Time spent waiting to acquire the distributed job lock.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(r.jobsStarted, r.jobsFinished, r.jobDuration, r.rowsProcessed, r.rowsFailed, r.queueDepth, r.lockWaitMS)
	return r
}

// Handler returns the HTTP handler serving this Recorder's registry in the
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// JobStarted records a job entering PROCESSING.
func (r *Recorder) JobStarted(kind jobs.JobKind, resourceType jobs.ResourceType) {
	r.jobsStarted.WithLabelValues(string(kind), string(resourceType)).Inc()
}

// JobFinished records a job reaching a terminal status, with its duration.
func (r *Recorder) JobFinished(kind jobs.JobKind, resourceType jobs.ResourceType, status jobs.Status, durationMS int64) {
	r.jobsFinished.WithLabelValues(string(kind), string(resourceType), string(status)).Inc()
	r.jobDuration.WithLabelValues(string(kind), string(resourceType), string(status)).Observe(float64(durationMS) / 1000)
}

// RowsProcessed adds to the rows-processed/rows-failed counters for one
// import batch.
func (r *Recorder) RowsProcessed(resourceType jobs.ResourceType, processed, failed int) {
	r.rowsProcessed.WithLabelValues(string(resourceType)).Add(float64(processed))
	if failed > 0 {
		r.rowsFailed.WithLabelValues(string(resourceType)).Add(float64(failed))
	}
}

// SetQueueDepth reports the consumer group's current pending-message count.
func (r *Recorder) SetQueueDepth(depth int64) {
	r.queueDepth.Set(float64(depth))
}

// ObserveLockWait records how long a lock acquisition attempt waited.
func (r *Recorder) ObserveLockWait(ms float64) {
	r.lockWaitMS.Observe(ms)
}
