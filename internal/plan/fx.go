package plan

import (
	"sync"
	"sync/atomic"

	"github.com/phraiz/phraiz/internal/config"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"go.uber.org/fx"
)

// ConfigSource yields the current plan table; implementations may hot reload.
type ConfigSource interface {
	Get() plandomain.Config
}

// Versioned sources report a number that changes whenever the table does.
// Sources without it are treated as fixed.
type Versioned interface {
	Version() uint64
}

var defaultGate = sync.OnceValue(func() *Gate { return NewGate(plandomain.DefaultConfig()) })

type builtGate struct {
	version uint64
	gate    *Gate
}

// Registry hands out a gate for the current plan table and rebuilds it only
// after the source reports a new version.
type Registry struct {
	source ConfigSource
	built  atomic.Pointer[builtGate]
}

func NewRegistry(source ConfigSource) *Registry {
	return &Registry{source: source}
}

func (r *Registry) Gate() *Gate {
	if r == nil || r.source == nil {
		return defaultGate()
	}
	var version uint64
	if v, ok := r.source.(Versioned); ok {
		version = v.Version()
	}
	if b := r.built.Load(); b != nil && b.version == version {
		return b.gate
	}
	gate := NewGate(r.source.Get())
	r.built.Store(&builtGate{version: version, gate: gate})
	return gate
}

// StaticSource serves a fixed table.
type StaticSource plandomain.Config

func (s StaticSource) Get() plandomain.Config { return plandomain.Config(s) }

var Module = fx.Module("plan.gate",
	fx.Provide(
		func(h *config.PlanConfigHolder) ConfigSource { return h },
		NewRegistry,
	),
)
