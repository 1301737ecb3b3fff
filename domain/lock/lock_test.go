package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/branchgraph/internal/testutil"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

func newLeaseLocker(t *testing.T, timeout time.Duration) *LeaseLocker {
	t.Helper()
	models, indexes := Tables()
	db := testutil.NewSQLiteDB(t, models, indexes...)
	return NewLeaseLocker(db, LeaseConfig{
		Timeout:      timeout,
		TTL:          30 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, testutil.Logger(t))
}

func TestKeyedNames(t *testing.T) {
	assert.Equal(t, "generator:n1-gen", KeyedName(NamespaceGenerator, GeneratorKey("n1", "gen")))
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	calls := 0
	g := newGuard("x", "t", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, g.Release(context.Background()))
	require.NoError(t, g.Release(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestLocalLocker_TimesOut(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker(20 * time.Millisecond)

	g, err := l.Acquire(ctx, GlobalGraph)
	require.NoError(t, err)
	defer g.Release(ctx)

	_, err = l.Acquire(ctx, GlobalGraph)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrLockTimeout))

	other, err := l.Acquire(ctx, GlobalSchema)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestLeaseLocker_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := newLeaseLocker(t, 50*time.Millisecond)

	g, err := l.Acquire(ctx, GlobalGraph)
	require.NoError(t, err)

	holder, err := l.Holder(ctx, GlobalGraph)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, g.Token(), holder.Token)
	assert.Equal(t, l.Owner(), holder.Owner)

	_, err = l.Acquire(ctx, GlobalGraph)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.ErrLockTimeout))

	require.NoError(t, g.Release(ctx))

	g2, err := l.Acquire(ctx, GlobalGraph)
	require.NoError(t, err)
	require.NoError(t, g2.Release(ctx))
}

func TestLeaseLocker_TakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	l := newLeaseLocker(t, 50*time.Millisecond)

	// A crashed holder left a lease behind that expired a minute ago.
	past := time.Now().Add(-time.Minute)
	_, err := l.db.NewInsert().Model(&Lease{
		Name:       GlobalGraph,
		Owner:      "crashed",
		Token:      "stale",
		ExpiresAt:  timestamp.FromTime(past),
		AcquiredAt: timestamp.FromTime(past.Add(-time.Minute)),
	}).Exec(ctx)
	require.NoError(t, err)

	g, err := l.Acquire(ctx, GlobalGraph)
	require.NoError(t, err)
	defer g.Release(ctx)

	holder, err := l.Holder(ctx, GlobalGraph)
	require.NoError(t, err)
	assert.Equal(t, l.Owner(), holder.Owner)
}

func TestLeaseLocker_ReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	l := newLeaseLocker(t, 50*time.Millisecond)

	g, err := l.Acquire(ctx, GlobalSchema)
	require.NoError(t, err)

	// A stale guard holding an old token must not free the current lease.
	require.NoError(t, l.release(ctx, GlobalSchema, "not-the-token"))
	holder, err := l.Holder(ctx, GlobalSchema)
	require.NoError(t, err)
	assert.NotNil(t, holder)

	require.NoError(t, g.Release(ctx))
	holder, err = l.Holder(ctx, GlobalSchema)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestLeaseLocker_ReapExpired(t *testing.T) {
	ctx := context.Background()
	l := newLeaseLocker(t, 50*time.Millisecond)

	past := timestamp.FromTime(time.Now().Add(-time.Minute))
	_, err := l.db.NewInsert().Model(&Lease{Name: "generator:a-b", Owner: "x", Token: "y", ExpiresAt: past, AcquiredAt: past}).Exec(ctx)
	require.NoError(t, err)

	g, err := l.Acquire(ctx, GlobalGraph)
	require.NoError(t, err)
	defer g.Release(ctx)

	reg := NewRegistry(l, testutil.Logger(t))
	n, err := reg.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	holder, err := l.Holder(ctx, GlobalGraph)
	require.NoError(t, err)
	assert.NotNil(t, holder)
}

func TestRegistry_WithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewLocalLocker(20*time.Millisecond), testutil.Logger(t))

	assert.Panics(t, func() {
		_ = reg.WithLock(ctx, GlobalGraph, func(context.Context) error {
			panic("inside protected section")
		})
	})

	g, err := reg.GlobalGraphLock(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx))
}

func TestRegistry_WithLockReturnsError(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewLocalLocker(time.Second), testutil.Logger(t))

	err := reg.WithLock(ctx, GlobalGraph, func(context.Context) error {
		return apperror.ErrMergeFailed
	})
	assert.True(t, apperror.Is(err, apperror.ErrMergeFailed))

	g, err := reg.Keyed(ctx, NamespaceGenerator, GeneratorKey("t", "d"))
	require.NoError(t, err)
	assert.Equal(t, "generator:t-d", g.Name())
	require.NoError(t, g.Release(ctx))
}

// Two concurrent holders of global-graph must never overlap their protected
// sections, for both locker implementations.
func TestGlobalGraphLock_SerialisesConcurrentHolders(t *testing.T) {
	lockers := map[string]func(t *testing.T) Locker{
		"local": func(t *testing.T) Locker { return NewLocalLocker(5 * time.Second) },
		"lease": func(t *testing.T) Locker { return newLeaseLocker(t, 5*time.Second) },
	}

	for name, mk := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(mk(t), testutil.Logger(t))

			type span struct{ start, end time.Time }
			var (
				mu    sync.Mutex
				spans []span
				wg    sync.WaitGroup
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := reg.WithLock(ctx, GlobalGraph, func(context.Context) error {
						s := span{start: time.Now()}
						time.Sleep(30 * time.Millisecond)
						s.end = time.Now()
						mu.Lock()
						spans = append(spans, s)
						mu.Unlock()
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			require.Len(t, spans, 2)
			first, second := spans[0], spans[1]
			if second.start.Before(first.start) {
				first, second = second, first
			}
			assert.False(t, second.start.Before(first.end), "protected sections overlapped")
		})
	}
}
