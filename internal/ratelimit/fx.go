package ratelimit

import (
	"github.com/phraiz/phraiz/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Config config.Config
	Client *redis.Client `optional:"true"`
}

func provideLimiter(p Params) (*MemberLimiter, error) {
	return NewMemberLimiter(p.Config, p.Client)
}

// provideLocker yields nil without redis; callers treat a nil locker as
// "single instance, no coordination needed".
func provideLocker(p Params) *Locker {
	return NewLocker(p.Client)
}

var Module = fx.Module("rate.limit",
	fx.Provide(provideLimiter),
	fx.Provide(provideLocker),
)
