package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phraiz/phraiz/internal/cache"
	"github.com/phraiz/phraiz/internal/clock"
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	memberrepo "github.com/phraiz/phraiz/internal/member/repository"
	"github.com/phraiz/phraiz/internal/plan"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const planCacheTTL = time.Minute

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  memberrepo.Repository
	Plans *plan.Registry
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  memberrepo.Repository
	plans *plan.Registry
	clock clock.Clock
	cache cache.Cache[string, plandomain.PlanID]
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("member.service"),
		repo:  p.Repo,
		plans: p.Plans,
		clock: p.Clock,
		cache: cache.NewTTLCacheWithClock[string, plandomain.PlanID](p.Clock),
	}
}

// GetPlan returns the member's plan; members without a row are on the
// configured default plan.
func (s *Service) GetPlan(ctx context.Context, memberID string) (plandomain.PlanID, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", memberdomain.ErrInvalidMember
	}
	if planID, ok := s.cache.Get(memberID); ok {
		return planID, nil
	}

	member, err := s.repo.FindByID(ctx, s.db, memberID)
	if err != nil {
		return "", fmt.Errorf("lookup member plan: %w", err)
	}

	planID := s.plans.Gate().DefaultPlan()
	if member != nil {
		planID = plandomain.ParsePlanID(string(member.PlanID))
	}
	s.cache.Set(memberID, planID, planCacheTTL)
	return planID, nil
}

func (s *Service) SetPlan(ctx context.Context, memberID string, planID plandomain.PlanID) (*memberdomain.Member, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, memberdomain.ErrInvalidMember
	}
	planID = plandomain.ParsePlanID(string(planID))
	if !s.plans.Gate().Known(planID) {
		return nil, memberdomain.ErrInvalidPlan
	}

	now := s.clock.Now().UTC()
	member := &memberdomain.Member{
		MemberID:  memberID,
		PlanID:    planID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Save(ctx, s.db, member); err != nil {
		return nil, fmt.Errorf("save member plan: %w", err)
	}

	s.cache.Delete(memberID)
	s.log.Info("member plan updated",
		zap.String("member_id", memberID),
		zap.String("plan", planID.String()),
	)
	return member, nil
}
