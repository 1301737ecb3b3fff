package lock

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
	"github.com/emergent-company/branchgraph/pkg/tracing"
)

// Reaper is implemented by lockers whose leases can expire.
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// Registry hands out the named locks used across the platform.
type Registry struct {
	locker Locker
	log    *slog.Logger
}

// NewRegistry wraps locker.
func NewRegistry(locker Locker, log *slog.Logger) *Registry {
	return &Registry{locker: locker, log: log.With(logger.Scope("lock.registry"))}
}

// GlobalGraphLock serialises every write spanning node or relationship data.
func (r *Registry) GlobalGraphLock(ctx context.Context) (*Guard, error) {
	return r.Acquire(ctx, GlobalGraph)
}

// GlobalSchemaLock serialises schema load validation across branches.
func (r *Registry) GlobalSchemaLock(ctx context.Context) (*Guard, error) {
	return r.Acquire(ctx, GlobalSchema)
}

// Keyed acquires the lock for key within namespace.
func (r *Registry) Keyed(ctx context.Context, namespace, key string) (*Guard, error) {
	return r.Acquire(ctx, KeyedName(namespace, key))
}

// Acquire takes the lock called name, recording wait time.
func (r *Registry) Acquire(ctx context.Context, name string) (*Guard, error) {
	ctx, span := tracing.Start(ctx, "lock.acquire", attribute.String("lock.name", name))
	defer span.End()

	start := time.Now()
	g, err := r.locker.Acquire(ctx, name)
	waited := time.Since(start)
	metrics.LockWait.WithLabelValues(metrics.LockLabel(name)).Observe(waited.Seconds())
	if err != nil {
		if apperror.Is(err, apperror.ErrLockTimeout) {
			metrics.LockTimeouts.WithLabelValues(metrics.LockLabel(name)).Inc()
		}
		tracing.RecordError(span, err)
		r.log.Warn("lock acquisition failed",
			slog.String("lock", name),
			slog.Duration("waited", waited),
			logger.Error(err))
		return nil, err
	}

	r.log.Debug("lock acquired", slog.String("lock", name), slog.Duration("waited", waited))
	return g, nil
}

// WithLock runs fn while holding name. The lock is released on every exit
// path, including panics, before control returns to the caller.
func (r *Registry) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	g, err := r.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(context.WithoutCancel(ctx)); rerr != nil {
			r.log.Error("lock release failed", slog.String("lock", name), logger.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(ctx)
}

// ReapExpired removes expired leases when the locker supports it.
func (r *Registry) ReapExpired(ctx context.Context) (int, error) {
	reaper, ok := r.locker.(Reaper)
	if !ok {
		return 0, nil
	}
	n, err := reaper.ReapExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Warn("reaped expired leases", slog.Int("count", n))
	}
	return n, nil
}
