// Package metrics provides Prometheus collectors for Quasar.
//
// # Overview
//
// Every collector is registered on the default registry through promauto,
// so importing the package is enough to expose them on /metrics:
//   - job lifecycle: registrations, terminal outcomes, job duration
//   - execution: task attempts, rows and batches written to staging
//   - consolidation: merge duration, merged rows, staging cleanup failures
//   - dispatch: active pipelines, failed loop iterations
//
// # Basic Usage
//
//	timer := metrics.NewTimer("merge")
//	inserted, err := client.Merge(ctx, main, temp)
//	metrics.MergeDuration.Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsRegistered counts accepted registrations.
	// Labels: target (target profile name)
	JobsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_jobs_registered_total",
			Help: "Total number of export jobs registered",
		},
		[]string{"target"},
	)

	// JobsFinished counts jobs reaching a terminal status.
	// Labels: status (success/error)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_jobs_finished_total",
			Help: "Total number of export jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks wall time from claim to terminal status, in seconds.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quasar_job_duration_seconds",
			Help:    "Export job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s .. ~68m
		},
		[]string{"status"},
	)

	// TaskAttempts counts unit-of-work invocations made by the retry engine.
	// Labels: outcome (success/failure)
	TaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_task_attempts_total",
			Help: "Total number of task attempts",
		},
		[]string{"outcome"},
	)

	// RowsExported counts rows written to staging tables.
	// Labels: target
	RowsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_rows_exported_total",
			Help: "Total number of rows inserted into staging tables",
		},
		[]string{"target"},
	)

	// BatchesInserted counts staging insert calls.
	// Labels: target
	BatchesInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_batches_inserted_total",
			Help: "Total number of batches inserted into staging tables",
		},
		[]string{"target"},
	)

	// MergeDuration tracks the merge query duration in seconds
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quasar_merge_duration_seconds",
			Help:    "Duration of staging to main merges in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MergedRows counts rows appended to main tables
	MergedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_merged_rows_total",
			Help: "Total number of rows appended to main tables",
		},
	)

	// StagingCleanupFailures counts staging tables that could not be deleted
	StagingCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_staging_cleanup_failures_total",
			Help: "Total number of failed staging table deletions",
		},
	)

	// ActivePipelines tracks the number of running pipeline loops
	ActivePipelines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quasar_active_pipelines",
			Help: "Number of pipeline loops currently running",
		},
	)

	// LoopFailures counts pipeline loop iterations that failed outside a job
	LoopFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_loop_failures_total",
			Help: "Total number of failed pipeline loop iterations",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. The timer can be
// stopped multiple times.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
