package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/branchgraph/pkg/apperror"
)

// LocalLocker is a process-local Locker for single-instance deployments and
// tests. It honours the same timeout semantics as LeaseLocker.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalLocker{timeout: timeout, slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[name] = ch
	}
	return ch
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, name string) (*Guard, error) {
	ch := l.slot(name)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, apperror.ErrLockTimeout.WithMessage(
			fmt.Sprintf("timed out after %s waiting for lock %q", l.timeout, name))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return newGuard(name, uuid.NewString(), func(context.Context) error {
		<-ch
		return nil
	}), nil
}
