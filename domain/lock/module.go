package lock

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/branchgraph/internal/config"
)

// Module provides the lock registry backed by LOCK_BACKEND.
var Module = fx.Module("lock",
	fx.Provide(
		NewLocker,
		NewRegistry,
	),
)

// NewLocker picks the lease locker unless LOCK_BACKEND=local.
func NewLocker(db bun.IDB, cfg *config.Config, log *slog.Logger) Locker {
	if cfg.Locks.Backend == "local" {
		log.Info("using process-local locks")
		return NewLocalLocker(cfg.Locks.Timeout)
	}
	return NewLeaseLocker(db, LeaseConfig{
		Timeout:      cfg.Locks.Timeout,
		TTL:          cfg.Locks.LeaseTTL,
		PollInterval: cfg.Locks.PollInterval,
	}, log)
}
