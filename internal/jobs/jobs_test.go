package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/logger"
)

func newTestQueue(t *testing.T, cfg QueueConfig) (*Queue, *time.Time) {
	t.Helper()
	models, indexes := Tables()
	db := testutil.NewSQLiteDB(t, models, indexes...)
	q := NewQueue(db, cfg, testutil.Logger(t))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "short message", msg: "short error", want: "short error"},
		{name: "exactly 500 characters", msg: strings.Repeat("a", 500), want: strings.Repeat("a", 500)},
		{name: "501 characters truncated to 500", msg: strings.Repeat("a", 501), want: strings.Repeat("a", 500)},
		{name: "empty string", msg: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateError(tt.msg)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 500)
		})
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	config := DefaultQueueConfig()

	assert.Equal(t, 0, config.MaxAttempts) // unlimited by default
	assert.Equal(t, 60, config.BaseRetryDelaySec)
	assert.Equal(t, 3600, config.MaxRetryDelaySec)
	assert.Equal(t, 10, config.BatchSize)
}

func TestRetryDelay(t *testing.T) {
	q := NewQueue(nil, QueueConfig{BaseRetryDelaySec: 10, MaxRetryDelaySec: 100}, testutil.Logger(t))

	assert.Equal(t, 10*time.Second, q.RetryDelay(1))
	assert.Equal(t, 40*time.Second, q.RetryDelay(2))
	assert.Equal(t, 100*time.Second, q.RetryDelay(5))
}

func TestEnqueue_DeduplicatesActiveJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, DefaultQueueConfig())

	id1, created, err := q.Enqueue(ctx, EnqueueOptions{Name: "diff-update", Payload: map[string]string{"branch": "cr1"}, DedupKey: "diff:cr1"})
	require.NoError(t, err)
	assert.True(t, created)

	id2, created, err := q.Enqueue(ctx, EnqueueOptions{Name: "diff-update", Payload: map[string]string{"branch": "cr1"}, DedupKey: "diff:cr1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	require.NoError(t, q.MarkCompleted(ctx, id1, nil))

	id3, created, err := q.Enqueue(ctx, EnqueueOptions{Name: "diff-update", DedupKey: "diff:cr1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, id1, id3)
}

func TestDequeue_ClaimsDueJobsByPriority(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, DefaultQueueConfig())

	low, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "a", Priority: 0})
	require.NoError(t, err)
	high, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "b", Priority: 5})
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, EnqueueOptions{Name: "later", Delay: time.Hour})
	require.NoError(t, err)

	jobs, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, high, jobs[0].ID)
	assert.Equal(t, StatusProcessing, jobs[0].Status)

	jobs, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, low, jobs[0].ID)

	jobs, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestProcessBatch_CompletesAndRetries(t *testing.T) {
	ctx := context.Background()
	q, now := newTestQueue(t, QueueConfig{MaxAttempts: 2, BaseRetryDelaySec: 1})

	handlers := NewHandlers()
	var seenRequestID string
	handlers.Register("ok", func(ctx context.Context, job *Job) (any, error) {
		seenRequestID = logger.RequestIDFromContext(ctx)
		return map[string]bool{"done": true}, nil
	})
	handlers.Register("flaky", func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("boom")
	})

	okID, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "ok", RequestID: "req-1"})
	require.NoError(t, err)
	flakyID, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "flaky"})
	require.NoError(t, err)

	var tally Tally
	require.NoError(t, q.ProcessBatch(ctx, handlers, 10, &tally))

	okJob, err := q.Get(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, okJob.Status)
	assert.JSONEq(t, `{"done":true}`, okJob.Result)
	assert.Equal(t, "req-1", seenRequestID)

	flaky, err := q.Get(ctx, flakyID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, flaky.Status)
	assert.Equal(t, 1, flaky.AttemptCount)
	assert.Equal(t, "boom", flaky.LastError)

	*now = now.Add(time.Minute)
	require.NoError(t, q.ProcessBatch(ctx, handlers, 10, &tally))

	flaky, err = q.Get(ctx, flakyID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, flaky.Status)

	m := tally.Snapshot()
	assert.Equal(t, int64(3), m.Processed)
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, int64(2), m.Failed)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProcessBatch_PermanentAndUnknown(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, DefaultQueueConfig())

	handlers := NewHandlers()
	handlers.Register("bad", func(ctx context.Context, job *Job) (any, error) {
		return nil, Permanent(errors.New("conflict"))
	})
	handlers.Register("panics", func(ctx context.Context, job *Job) (any, error) {
		panic("unexpected")
	})

	badID, _, _ := q.Enqueue(ctx, EnqueueOptions{Name: "bad"})
	unknownID, _, _ := q.Enqueue(ctx, EnqueueOptions{Name: "nobody"})
	panicID, _, _ := q.Enqueue(ctx, EnqueueOptions{Name: "panics"})

	require.NoError(t, q.ProcessBatch(ctx, handlers, 10, nil))

	for _, id := range []string{badID, unknownID, panicID} {
		job, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, job.Status, job.Name)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	ctx := context.Background()
	q, now := newTestQueue(t, DefaultQueueConfig())

	id, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "stuck"})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)

	n, err := q.RecoverStaleJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = now.Add(11 * time.Minute)
	n, err = q.RecoverStaleJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
}

func TestAwait_ReturnsTerminalJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q, _ := newTestQueue(t, DefaultQueueConfig())

	id, _, err := q.Enqueue(ctx, EnqueueOptions{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, id, "ok"))

	job, err := q.Await(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestWorker_StartStop(t *testing.T) {
	w := NewWorker(WorkerConfig{Name: "noop", PollInterval: 10 * time.Millisecond}, testutil.Logger(t),
		func(ctx context.Context) error { return nil })

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())
}
