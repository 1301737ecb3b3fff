package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/branchgraph/internal/database"
	"github.com/emergent-company/branchgraph/pkg/apperror"
	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/timestamp"
)

// Lease is a row in the locks table. A lease whose expires_at has passed is
// free to take over, so a crashed holder cannot wedge the cluster.
type Lease struct {
	bun.BaseModel `bun:"table:locks,alias:lk"`

	Name       string           `bun:"name,pk"`
	Owner      string           `bun:"owner,notnull"`
	Token      string           `bun:"token,notnull"`
	ExpiresAt  timestamp.Micros `bun:"expires_at,type:bigint,notnull"`
	AcquiredAt timestamp.Micros `bun:"acquired_at,type:bigint,notnull"`
}

// Tables returns the models and indexes owned by this package.
func Tables() ([]any, []database.Index) {
	return []any{(*Lease)(nil)}, []database.Index{
		{Model: (*Lease)(nil), Name: "locks_expires_at_idx", Columns: []string{"expires_at"}},
	}
}

// LeaseConfig tunes the lease locker.
type LeaseConfig struct {
	// Timeout bounds how long Acquire waits.
	Timeout time.Duration
	// TTL is how long a lease lives without keepalive.
	TTL time.Duration
	// PollInterval is the first retry interval; later retries back off.
	PollInterval time.Duration
}

func (c *LeaseConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// LeaseLocker implements Locker on the locks table. Leases are extended by a
// keepalive goroutine every TTL/3 while held and released with a token match.
type LeaseLocker struct {
	db    bun.IDB
	cfg   LeaseConfig
	owner string
	log   *slog.Logger
	now   func() time.Time
}

// NewLeaseLocker creates a database-backed locker.
func NewLeaseLocker(db bun.IDB, cfg LeaseConfig, log *slog.Logger) *LeaseLocker {
	cfg.applyDefaults()
	host, _ := os.Hostname()
	return &LeaseLocker{
		db:    db,
		cfg:   cfg,
		owner: fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		log:   log.With(logger.Scope("lock.lease")),
		now:   time.Now,
	}
}

// Owner identifies this process in the locks table.
func (l *LeaseLocker) Owner() string { return l.owner }

// Acquire implements Locker.
func (l *LeaseLocker) Acquire(ctx context.Context, name string) (*Guard, error) {
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.PollInterval
	b.MaxInterval = 20 * l.cfg.PollInterval
	b.MaxElapsedTime = l.cfg.Timeout

	err := backoff.Retry(func() error {
		ok, err := l.tryAcquire(ctx, name, token)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, apperror.ErrLockTimeout.WithMessage(
				fmt.Sprintf("timed out after %s waiting for lock %q", l.cfg.Timeout, name))
		}
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepalive(context.WithoutCancel(ctx), name, token, stop)
	}()

	return newGuard(name, token, func(ctx context.Context) error {
		close(stop)
		wg.Wait()
		return l.release(ctx, name, token)
	}), nil
}

// tryAcquire inserts the lease, or takes over an expired one, in a single
// statement. It reports whether this token now owns the lease.
func (l *LeaseLocker) tryAcquire(ctx context.Context, name, token string) (bool, error) {
	now := l.now()
	res, err := l.db.NewRaw(`
		INSERT INTO locks (name, owner, token, expires_at, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET owner = excluded.owner,
			token = excluded.token,
			expires_at = excluded.expires_at,
			acquired_at = excluded.acquired_at
		WHERE locks.expires_at < ?`,
		name, l.owner, token,
		timestamp.FromTime(now.Add(l.cfg.TTL)),
		timestamp.FromTime(now),
		timestamp.FromTime(now),
	).Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *LeaseLocker) keepalive(ctx context.Context, name, token string, stop <-chan struct{}) {
	interval := l.cfg.TTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res, err := l.db.NewUpdate().
				Model((*Lease)(nil)).
				Set("expires_at = ?", timestamp.FromTime(l.now().Add(l.cfg.TTL))).
				Where("name = ?", name).
				Where("token = ?", token).
				Exec(ctx)
			if err != nil {
				l.log.Warn("lease keepalive failed", slog.String("lock", name), logger.Error(err))
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				l.log.Error("lease lost while held", slog.String("lock", name))
				return
			}
		}
	}
}

func (l *LeaseLocker) release(ctx context.Context, name, token string) error {
	_, err := l.db.NewDelete().
		Model((*Lease)(nil)).
		Where("name = ?", name).
		Where("token = ?", token).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}

// ReapExpired deletes leases whose holders stopped renewing them.
func (l *LeaseLocker) ReapExpired(ctx context.Context) (int, error) {
	res, err := l.db.NewDelete().
		Model((*Lease)(nil)).
		Where("expires_at < ?", timestamp.FromTime(l.now())).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Holder returns the current lease for name, or nil.
func (l *LeaseLocker) Holder(ctx context.Context, name string) (*Lease, error) {
	var leases []*Lease
	if err := l.db.NewSelect().Model(&leases).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, err
	}
	if len(leases) == 0 {
		return nil, nil
	}
	return leases[0], nil
}
