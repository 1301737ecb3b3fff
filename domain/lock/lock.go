// Package lock provides the cluster-wide named locks that serialise
// structural mutations (global-graph), schema loads (global-schema) and
// per-key read-or-create sections (generator:<target>-<definition>).
//
// Locks are advisory: every code path touching a guarded resource must
// acquire the same name.
package lock

import (
	"context"
	"errors"
	"sync"
)

const (
	GlobalGraph  = "global-graph"
	GlobalSchema = "global-schema"

	NamespaceGenerator = "generator"
)

// errLockHeld signals that another holder owns the lock; callers retry.
var errLockHeld = errors.New("lock held by another owner")

// Locker acquires named locks. Acquire blocks until the lock is held, the
// configured timeout elapses (apperror.ErrLockTimeout) or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, name string) (*Guard, error)
}

// Guard is a held lock. Release is idempotent and safe to defer.
type Guard struct {
	name    string
	token   string
	release func(ctx context.Context) error

	once sync.Once
	err  error
}

func newGuard(name, token string, release func(ctx context.Context) error) *Guard {
	return &Guard{name: name, token: token, release: release}
}

// Name returns the lock name.
func (g *Guard) Name() string { return g.name }

// Token returns the fencing token issued for this hold.
func (g *Guard) Token() string { return g.token }

// Release gives the lock up. Calls after the first return the first result.
func (g *Guard) Release(ctx context.Context) error {
	g.once.Do(func() {
		g.err = g.release(ctx)
	})
	return g.err
}

// KeyedName builds the lock name for key inside namespace.
func KeyedName(namespace, key string) string {
	return namespace + ":" + key
}

// GeneratorKey identifies one generator definition applied to one target.
func GeneratorKey(target, definition string) string {
	return target + "-" + definition
}
