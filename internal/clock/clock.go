package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so month boundaries can be tested.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func New() Clock { return realClock{} }

var Module = fx.Module("clock",
	fx.Provide(New),
)
