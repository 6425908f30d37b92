package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics captures background job and lock-wait signals.
type JobMetrics struct {
	jobRuns   *prometheus.CounterVec
	jobErrors *prometheus.CounterVec
	jobDur    *prometheus.HistogramVec
	lockWait  *prometheus.HistogramVec
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// Jobs returns the process-wide job metrics registry.
func Jobs() *JobMetrics {
	return JobsWithConfig(Config{})
}

func JobsWithConfig(cfg Config) *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = newJobMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return jobMetrics
}

func newJobMetrics(registerer prometheus.Registerer, cfg Config) *JobMetrics {
	labels := constLabels(cfg)
	m := &JobMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "loyalty_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "loyalty_job_errors_total",
			Help:        "Background job failures by name.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "loyalty_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			ConstLabels: labels,
		}, []string{"job"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "loyalty_user_lock_wait_seconds",
			Help:        "Time spent waiting for the per-user mutation lock.",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			ConstLabels: labels,
		}, []string{"backend"}),
	}
	m.jobRuns, _ = registerOrReuse(registerer, m.jobRuns)
	m.jobErrors, _ = registerOrReuse(registerer, m.jobErrors)
	m.jobDur, _ = registerOrReuse(registerer, m.jobDur)
	m.lockWait, _ = registerOrReuse(registerer, m.lockWait)
	return m
}

func (m *JobMetrics) ObserveJob(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDur.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job).Inc()
	}
}

func (m *JobMetrics) ObserveLockWait(backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(backend).Observe(duration.Seconds())
}
