package config

import (
	"github.com/phraiz/phraiz/pkg/db"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewPlanConfigHolder,
		func(cfg Config) db.Config { return cfg.Database() },
	),
)
