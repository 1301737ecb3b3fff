// Package metrics holds the Prometheus collectors for branch operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FlowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "branch_flow_duration_seconds",
		Help:    "Duration of branch flows (create, rebase, merge, delete, validate)",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow", "outcome"})

	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "branch_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a named lock",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"lock"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_lock_timeouts_total",
		Help: "Lock acquisitions that gave up after the configured timeout",
	}, []string{"lock"})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_diff_conflicts_total",
		Help: "Conflicts found while computing branch diffs",
	}, []string{"branch"})

	MigrationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_migration_failures_total",
		Help: "Best-effort schema migrations that failed after commit",
	}, []string{"migration"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_jobs_processed_total",
		Help: "Workflow jobs run by the worker, by job name and outcome",
	}, []string{"job", "outcome"})

	RollbackSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "branch_merge_rollback_steps_total",
		Help: "Compensating actions executed while rolling back failed merges",
	})
)

// LockLabel collapses keyed lock names to their namespace to bound label cardinality.
func LockLabel(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}
