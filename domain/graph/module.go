package graph

import "go.uber.org/fx"

// Module provides the node manager.
var Module = fx.Module("graph",
	fx.Provide(NewManager),
)
