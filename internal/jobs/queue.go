// Package jobs provides the database-backed queue that carries workflow units
// (rebase, merge, diff refresh, IPAM reconciliation) to the worker pool.
//
// - Idempotent enqueue (won't create duplicate active jobs for a dedup key)
// - Atomic dequeue (FOR UPDATE SKIP LOCKED on Postgres, one UPDATE…RETURNING on sqlite)
// - Exponential backoff for retries
// - Stale job recovery
// - Queue statistics
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one queued workflow unit.
type Job struct {
	bun.BaseModel `bun:"table:workflow_jobs,alias:wj"`

	ID           string           `bun:"id,pk" json:"id"`
	Name         string           `bun:"name,notnull" json:"name"`
	Payload      string           `bun:"payload,type:text,notnull" json:"payload"`
	DedupKey     string           `bun:"dedup_key,notnull,default:''" json:"dedupKey,omitempty"`
	RequestID    string           `bun:"request_id,notnull,default:''" json:"requestId,omitempty"`
	Status       JobStatus        `bun:"status,notnull" json:"status"`
	Priority     int              `bun:"priority,notnull,default:0" json:"priority"`
	AttemptCount int              `bun:"attempt_count,notnull,default:0" json:"attemptCount"`
	LastError    string           `bun:"last_error,type:text,notnull,default:''" json:"lastError,omitempty"`
	Result       string           `bun:"result,type:text,notnull,default:''" json:"result,omitempty"`
	ScheduledAt  timestamp.Micros `bun:"scheduled_at,type:bigint,notnull" json:"scheduledAt"`
	StartedAt    timestamp.Micros `bun:"started_at,type:bigint,notnull,default:0" json:"startedAt,omitempty"`
	CompletedAt  timestamp.Micros `bun:"completed_at,type:bigint,notnull,default:0" json:"completedAt,omitempty"`
	CreatedAt    timestamp.Micros `bun:"created_at,type:bigint,notnull" json:"createdAt"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	return json.Unmarshal([]byte(j.Payload), v)
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*Job)(nil)}, []database.Index{
		{Model: (*Job)(nil), Name: "workflow_jobs_status_idx", Columns: []string{"status", "scheduled_at"}},
		{Model: (*Job)(nil), Name: "workflow_jobs_dedup_idx", Columns: []string{"dedup_key"}},
	}
}

// QueueConfig contains configuration for a job queue
type QueueConfig struct {
	// MaxAttempts is the maximum number of retry attempts (0 = unlimited)
	MaxAttempts int
	// BaseRetryDelaySec is the base delay in seconds for retries (default: 60)
	BaseRetryDelaySec int
	// MaxRetryDelaySec is the maximum retry delay in seconds (default: 3600)
	MaxRetryDelaySec int
	// BatchSize is the default number of jobs to dequeue at once (default: 10)
	BatchSize int
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:       0, // unlimited
		BaseRetryDelaySec: 60,
		MaxRetryDelaySec:  3600,
		BatchSize:         10,
	}
}

// Queue provides job queue operations over the workflow_jobs table.
type Queue struct {
	db     bun.IDB
	config QueueConfig
	log    *slog.Logger
	now    func() time.Time
}

// NewQueue creates a new job queue with the given configuration
func NewQueue(db bun.IDB, config QueueConfig, log *slog.Logger) *Queue {
	if config.BaseRetryDelaySec == 0 {
		config.BaseRetryDelaySec = 60
	}
	if config.MaxRetryDelaySec == 0 {
		config.MaxRetryDelaySec = 3600
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	return &Queue{
		db:     db,
		config: config,
		log:    log.With(logger.Scope("jobs.queue")),
		now:    time.Now,
	}
}

// EnqueueOptions describes a job to enqueue
type EnqueueOptions struct {
	Name    string
	Payload any
	// DedupKey suppresses a new job while another with the same key is
	// pending or processing.
	DedupKey  string
	RequestID string
	Priority  int
	Delay     time.Duration
}

// Enqueue inserts a job and returns its id. When an active job with the same
// dedup key exists its id is returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (id string, created bool, err error) {
	if opts.Name == "" {
		return "", false, errors.New("job name is required")
	}

	if opts.DedupKey != "" {
		existing := new(Job)
		err := q.db.NewSelect().
			Model(existing).
			Column("id").
			Where("dedup_key = ?", opts.DedupKey).
			Where("status IN (?)", bun.In([]JobStatus{StatusPending, StatusProcessing})).
			Limit(1).
			Scan(ctx)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("check duplicate job: %w", err)
		}
	}

	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode payload: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:          uuid.NewString(),
		Name:        opts.Name,
		Payload:     string(payload),
		DedupKey:    opts.DedupKey,
		RequestID:   opts.RequestID,
		Status:      StatusPending,
		Priority:    opts.Priority,
		ScheduledAt: timestamp.FromTime(now.Add(opts.Delay)),
		CreatedAt:   timestamp.FromTime(now),
	}
	if _, err := q.db.NewInsert().Model(job).Exec(ctx); err != nil {
		return "", false, fmt.Errorf("enqueue failed: %w", err)
	}

	q.log.Debug("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name))
	return job.ID, true, nil
}

// Dequeue atomically claims jobs for processing.
//
// On Postgres the candidate rows are locked with FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same job; sqlite serialises writers so a
// single UPDATE … RETURNING is already atomic.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]*Job, error) {
	if batchSize <= 0 {
		batchSize = q.config.BatchSize
	}

	lock := ""
	if database.IsPostgres(q.db) {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	now := timestamp.FromTime(q.now())
	query := `
		UPDATE workflow_jobs
		SET status = 'processing', started_at = ?
		WHERE id IN (
			SELECT id FROM workflow_jobs
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT ?` + lock + `
		)
		RETURNING *`

	var jobs []*Job
	if err := q.db.NewRaw(query, now, now, batchSize).Scan(ctx, &jobs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	return jobs, nil
}

// MarkCompleted marks a job as completed, storing an optional JSON result.
func (q *Queue) MarkCompleted(ctx context.Context, id string, result any) error {
	encoded := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		encoded = string(b)
	}

	_, err := q.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusCompleted).
		Set("result = ?", encoded).
		Set("completed_at = ?", timestamp.FromTime(q.now())).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark completed failed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as failed and schedules for retry with exponential backoff.
// If maxAttempts is configured and reached, the job is permanently marked as failed.
// Permanent errors skip the retry.
func (q *Queue) MarkFailed(ctx context.Context, job *Job, jobErr error, permanent bool) error {
	attempt := job.AttemptCount + 1
	errMsg := truncateError(jobErr.Error())

	if permanent || (q.config.MaxAttempts > 0 && attempt >= q.config.MaxAttempts) {
		_, err := q.db.NewUpdate().
			Model((*Job)(nil)).
			Set("status = ?", StatusFailed).
			Set("attempt_count = ?", attempt).
			Set("last_error = ?", errMsg).
			Set("completed_at = ?", timestamp.FromTime(q.now())).
			Where("id = ?", job.ID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark failed (permanent) failed: %w", err)
		}

		q.log.Warn("job permanently failed",
			slog.String("job_id", job.ID),
			slog.String("name", job.Name),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg))
		return nil
	}

	delay := q.RetryDelay(attempt)
	_, err := q.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("attempt_count = ?", attempt).
		Set("last_error = ?", errMsg).
		Set("started_at = 0").
		Set("scheduled_at = ?", timestamp.FromTime(q.now().Add(delay))).
		Where("id = ?", job.ID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark failed (retry) failed: %w", err)
	}

	q.log.Debug("job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	return nil
}

// RetryDelay is baseDelay * attempt^2, capped at MaxRetryDelaySec.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	delay := math.Min(
		float64(q.config.MaxRetryDelaySec),
		float64(q.config.BaseRetryDelaySec)*float64(attempt)*float64(attempt),
	)
	return time.Duration(delay) * time.Second
}

// RecoverStaleJobs recovers jobs stuck in 'processing' status.
// This can happen when the server restarts while jobs are being processed.
// Returns the number of jobs recovered.
func (q *Queue) RecoverStaleJobs(ctx context.Context, staleThresholdMinutes int) (int, error) {
	if staleThresholdMinutes <= 0 {
		staleThresholdMinutes = 10
	}

	now := q.now()
	cutoff := timestamp.FromTime(now.Add(-time.Duration(staleThresholdMinutes) * time.Minute))
	result, err := q.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", StatusPending).
		Set("started_at = 0").
		Set("scheduled_at = ?", timestamp.FromTime(now)).
		Where("status = ?", StatusProcessing).
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs failed: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		q.log.Warn("recovered stale jobs",
			slog.Int64("count", count),
			slog.Int("threshold_minutes", staleThresholdMinutes))
	}

	return int(count), nil
}

// Stats represents queue statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

type statusCount struct {
	Status JobStatus `bun:"status"`
	Count  int64     `bun:"count"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	var rows []statusCount
	err := q.db.NewSelect().
		Model((*Job)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}

	stats := &Stats{}
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Pending = r.Count
		case StatusProcessing:
			stats.Processing = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

// Get returns a job by id, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job := new(Job)
	err := q.db.NewSelect().Model(job).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// Await polls until the job reaches a terminal state or ctx ends. It is used
// by callers that submit a unit and choose to wait for its result.
func (q *Queue) Await(ctx context.Context, id string, poll time.Duration) (*Job, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("job %s not found", id)
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// truncateError truncates an error message to 500 characters
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
