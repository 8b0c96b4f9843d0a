package member

import (
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	"github.com/phraiz/phraiz/internal/member/repository"
	"github.com/phraiz/phraiz/internal/member/service"
	"go.uber.org/fx"
)

var Module = fx.Module("member.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) memberdomain.PlanLookup { return s }),
	fx.Provide(func(s *service.Service) memberdomain.Service { return s }),
)
