package history

import (
	"github.com/phraiz/phraiz/internal/history/repository"
	"github.com/phraiz/phraiz/internal/history/service"
	"go.uber.org/fx"
)

var Module = fx.Module("history.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
