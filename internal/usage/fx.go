package usage

import (
	"github.com/phraiz/phraiz/internal/usage/cache"
	"github.com/phraiz/phraiz/internal/usage/repository"
	"github.com/phraiz/phraiz/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	cache.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
