// Package jobmetrics instruments background task runs.
package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes reported in the status label.
const (
	StatusSuccess = "success"
	StatusRefused = "refused"
	StatusFailure = "failure"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	processed *prometheus.CounterVec
	lastRun   *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors with registerer, or once with the
// default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker instruments a single job run. A nil Metrics yields a tracker that
// records nothing.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run and returns err unchanged. Errors wrapping
// asynq.SkipRetry count as refused rather than failed.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := Outcome(err)
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	if status == StatusSuccess {
		t.metrics.lastRun.WithLabelValues(t.job).SetToCurrentTime()
	}
	return err
}

// Outcome classifies a handler result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusRefused
	default:
		return StatusFailure
	}
}

// AddProcessed counts records a job moved or purged, labelled by kind.
func (m *Metrics) AddProcessed(job, kind string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.processed.WithLabelValues(job, kind).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estatehub_jobs_total",
			Help: "Job executions partitioned by task and outcome (success, refused, failure).",
		}, []string{"task", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estatehub_job_duration_seconds",
			Help:    "Duration in seconds of background job executions.",
			Buckets: []float64{.05, .25, 1, 5, 30, 120, 600, 1800},
		}, []string{"task"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estatehub_job_records_processed_total",
			Help: "Records archived or purged by background jobs.",
		}, []string{"task", "kind"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "estatehub_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"task"}),
	}
	registerer.MustRegister(m.runs, m.duration, m.processed, m.lastRun)
	return m
}
