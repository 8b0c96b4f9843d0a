package cache

import (
	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Clock  clock.Clock
	Config config.Config
}

type Result struct {
	fx.Out

	Cache usagedomain.Cache
	Daily usagedomain.DailyCounter
	Guard usagedomain.CommitGuard
}

func Provide(p Params) Result {
	loc := p.Config.Location()
	if p.Client == nil {
		mem := NewMemoryCache(p.Clock, loc)
		return Result{Cache: mem, Daily: mem, Guard: NewMemoryCommitGuard(p.Clock)}
	}
	rc := NewRedisCache(p.Client, p.Clock, loc)
	return Result{Cache: rc, Daily: rc, Guard: NewRedisCommitGuard(p.Client)}
}

var Module = fx.Module("usage.cache",
	fx.Provide(Provide),
)
