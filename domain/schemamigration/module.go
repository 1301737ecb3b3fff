package schemamigration

import "go.uber.org/fx"

// Module provides the migration applier.
var Module = fx.Module("schemamigration",
	fx.Provide(NewApplier),
)
