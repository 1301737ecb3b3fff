package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/emergent-company/branchgraph/pkg/logger"
)

// HandlerFunc runs one job. The returned value is stored as the job result.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handlers maps job names to their handlers.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlers creates an empty handler registry.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to h, replacing any previous handler.
func (h *Handlers) Register(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Get returns the handler for name.
func (h *Handlers) Get(name string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[name]
	return fn, ok
}

// Names returns the registered job names, sorted.
func (h *Handlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessBatch claims up to batchSize jobs and runs each through its handler.
// The job's request id is put on the handler context. Outcomes are counted on
// tally, which may be nil.
func (q *Queue) ProcessBatch(ctx context.Context, handlers *Handlers, batchSize int, tally *Tally) error {
	jobs, err := q.Dequeue(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		tally.record(job.Name, q.runJob(ctx, handlers, job))
	}
	return nil
}

func (q *Queue) runJob(ctx context.Context, handlers *Handlers, job *Job) bool {
	log := q.log.With(slog.String("job_id", job.ID), slog.String("name", job.Name))
	jobCtx := ctx
	if job.RequestID != "" {
		jobCtx = logger.WithRequestID(ctx, job.RequestID)
	}

	fn, ok := handlers.Get(job.Name)
	if !ok {
		log.Error("no handler registered for job")
		if err := q.MarkFailed(ctx, job, fmt.Errorf("no handler for job %q", job.Name), true); err != nil {
			log.Error("failed to mark job failed", logger.Error(err))
		}
		return false
	}

	result, err := runHandler(jobCtx, fn, job)
	if err != nil {
		log.Warn("job failed", logger.Error(err))
		if markErr := q.MarkFailed(ctx, job, err, errors.Is(err, ErrPermanent)); markErr != nil {
			log.Error("failed to mark job failed", logger.Error(markErr))
		}
		return false
	}

	if err := q.MarkCompleted(ctx, job.ID, result); err != nil {
		log.Error("failed to mark job completed", logger.Error(err))
	}
	return true
}

// runHandler converts handler panics into job failures.
func runHandler(ctx context.Context, fn HandlerFunc, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return fn(ctx, job)
}
