package clock

import "go.uber.org/fx"

// Module provides the process-wide wall clock. Tests substitute Fixed.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
