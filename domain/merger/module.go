package merger

import "go.uber.org/fx"

// Module provides the merger.
var Module = fx.Module("merger",
	fx.Provide(New),
)
