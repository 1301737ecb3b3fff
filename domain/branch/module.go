package branch

import (
	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module provides the branch store.
var Module = fx.Module("branch",
	fx.Provide(newStoreFromDB),
)

func newStoreFromDB(db bun.IDB) *Store {
	return NewStore(db)
}
