package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
)

// WorkerConfig tunes a polling worker.
type WorkerConfig struct {
	Name         string
	PollInterval time.Duration
	BatchSize    int
	// StaleThresholdMinutes is how long a job may stay in processing before
	// Start hands it back to the queue.
	StaleThresholdMinutes int
	RecoverStaleOnStart   bool
}

// DefaultWorkerConfig polls every 5s for up to 10 jobs.
func DefaultWorkerConfig(name string) WorkerConfig {
	return WorkerConfig{
		Name:                  name,
		PollInterval:          5 * time.Second,
		BatchSize:             10,
		StaleThresholdMinutes: 10,
		RecoverStaleOnStart:   true,
	}
}

func (c *WorkerConfig) applyDefaults() {
	def := DefaultWorkerConfig(c.Name)
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.StaleThresholdMinutes <= 0 {
		c.StaleThresholdMinutes = def.StaleThresholdMinutes
	}
}

// Tally counts job outcomes. A nil *Tally records nothing.
type Tally struct {
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (t *Tally) record(job string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	metrics.JobsProcessed.WithLabelValues(job, outcome).Inc()
	if t == nil {
		return
	}
	if ok {
		t.succeeded.Add(1)
	} else {
		t.failed.Add(1)
	}
}

// Snapshot returns the counts recorded so far.
func (t *Tally) Snapshot() WorkerMetrics {
	s, f := t.succeeded.Load(), t.failed.Load()
	return WorkerMetrics{Processed: s + f, Succeeded: s, Failed: f}
}

// WorkerMetrics is a point-in-time copy of a Tally.
type WorkerMetrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Worker calls a batch function on every tick until stopped. Stop waits for
// the batch in flight.
type Worker struct {
	config  WorkerConfig
	log     *slog.Logger
	batch   func(ctx context.Context) error
	recover func(ctx context.Context, minutes int) (int, error)
	tally   Tally

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker around an arbitrary batch function.
func NewWorker(config WorkerConfig, log *slog.Logger, batch func(ctx context.Context) error) *Worker {
	config.applyDefaults()
	return &Worker{
		config: config,
		log:    log.With(logger.Scope("worker"), slog.String("worker", config.Name)),
		batch:  batch,
	}
}

// NewQueueWorker creates a worker that drains q through handlers.
func NewQueueWorker(config WorkerConfig, q *Queue, handlers *Handlers, log *slog.Logger) *Worker {
	w := NewWorker(config, log, nil)
	w.batch = func(ctx context.Context) error {
		return q.ProcessBatch(ctx, handlers, w.config.BatchSize, &w.tally)
	}
	w.recover = q.RecoverStaleJobs
	return w
}

// Start launches the polling loop. The loop outlives ctx; use Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	if w.config.RecoverStaleOnStart && w.recover != nil {
		if _, err := w.recover(ctx, w.config.StaleThresholdMinutes); err != nil {
			w.log.Warn("stale job recovery failed", logger.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx, w.done)

	w.log.Info("worker started",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("batch_size", w.config.BatchSize))
	return nil
}

// Stop cancels the loop and waits for it, or for ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		w.log.Info("worker stopped")
	case <-ctx.Done():
		w.log.Warn("worker stop timeout")
	}
	return nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.batch == nil {
				continue
			}
			if err := w.batch(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("batch failed", logger.Error(err))
			}
		}
	}
}

// Metrics returns the outcomes of the jobs this worker ran.
func (w *Worker) Metrics() WorkerMetrics { return w.tally.Snapshot() }

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}
