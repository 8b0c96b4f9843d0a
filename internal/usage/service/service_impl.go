package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	obsmetrics "github.com/phraiz/phraiz/internal/observability/metrics"
	"github.com/phraiz/phraiz/internal/plan"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/phraiz/phraiz/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCommitGuardTTL = 24 * time.Hour

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Ledger     usagedomain.Ledger
	Cache      usagedomain.Cache
	Daily      usagedomain.DailyCounter `optional:"true"`
	Guard      usagedomain.CommitGuard  `optional:"true"`
	Plans      *plan.Registry
	Members    memberdomain.PlanLookup
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock      clock.Clock
	loc        *time.Location
	ledger     usagedomain.Ledger
	cache      usagedomain.Cache
	daily      usagedomain.DailyCounter
	guard      usagedomain.CommitGuard
	guardTTL   time.Duration
	plans      *plan.Registry
	members    memberdomain.PlanLookup
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	guardTTL := time.Duration(p.Config.RateLimit.CommitGuardHours) * time.Hour
	if guardTTL <= 0 {
		guardTTL = defaultCommitGuardTTL
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		clock:      c,
		loc:        p.Config.Location(),
		ledger:     p.Ledger,
		cache:      p.Cache,
		daily:      p.Daily,
		guard:      p.Guard,
		guardTTL:   guardTTL,
		plans:      p.Plans,
		members:    p.Members,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RemainingUnits(ctx context.Context, memberID string, policy plandomain.Policy, requested int64) (plandomain.Decision, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return plandomain.Decision{}, usagedomain.ErrInvalidMember
	}
	if requested < 0 {
		return plandomain.Decision{}, usagedomain.ErrInvalidUnits
	}

	gate := s.plans.Gate()
	if policy.Unlimited {
		return gate.CheckUnits(policy, 0, requested), nil
	}

	used, err := s.currentUsage(ctx, memberID, s.monthKey())
	if err != nil {
		return plandomain.Decision{}, err
	}
	return gate.CheckUnits(policy, used, requested), nil
}

func (s *Service) RecordConsumption(ctx context.Context, memberID, monthKey string, units int64) (int64, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return 0, usagedomain.ErrInvalidMember
	}
	if units < 0 {
		return 0, usagedomain.ErrInvalidUnits
	}
	monthKey, err := s.resolveMonth(monthKey)
	if err != nil {
		return 0, err
	}

	if units == 0 {
		total, err := s.ledger.Increment(ctx, s.db, memberID, monthKey, 0)
		if err != nil {
			return 0, usagedomain.Internal("increment usage ledger", err)
		}
		return total, nil
	}

	marked := s.markCommit(ctx, memberID, monthKey)
	total, err := s.ledger.Increment(ctx, s.db, memberID, monthKey, units)
	if err != nil {
		if marked {
			// Closes the mark without touching the counter.
			_, _, _ = s.cache.IncrementBy(ctx, memberID, monthKey, 0)
		}
		return 0, usagedomain.Internal("increment usage ledger", err)
	}

	s.mirrorToCache(ctx, memberID, monthKey, units, marked)
	s.countDaily(ctx, memberID, monthKey, units)
	s.obsMetrics.RecordUnitsCommitted(ctx, units)
	return total, nil
}

func (s *Service) CheckAndReserve(ctx context.Context, memberID string, estimatedUnits int64) (usagedomain.Reservation, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return usagedomain.Reservation{}, usagedomain.ErrInvalidMember
	}
	if estimatedUnits < 0 {
		return usagedomain.Reservation{}, usagedomain.ErrInvalidUnits
	}

	planID, policy, err := s.resolvePolicy(ctx, memberID)
	if err != nil {
		return usagedomain.Reservation{}, err
	}

	decision, err := s.RemainingUnits(ctx, memberID, policy, estimatedUnits)
	if err != nil {
		return usagedomain.Reservation{}, err
	}
	s.obsMetrics.RecordQuotaCheck(ctx, planID.String(), decision.Allowed)

	reservation := usagedomain.Reservation{
		MemberID:  memberID,
		Plan:      planID,
		MonthKey:  s.monthKey(),
		Allowed:   decision.Allowed,
		Unlimited: decision.Unlimited,
		Requested: estimatedUnits,
		Used:      decision.Used,
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
	}

	if !decision.Allowed {
		s.log.Info("quota exceeded",
			zap.String("member_id", memberID),
			zap.String("plan", planID.String()),
			zap.Int64("requested", estimatedUnits),
			zap.Int64("remaining", decision.Remaining),
		)
		return reservation, &usagedomain.QuotaExceededError{
			MemberID:  memberID,
			Plan:      planID,
			Requested: estimatedUnits,
			Remaining: decision.Remaining,
		}
	}

	if !decision.Unlimited {
		reservation.Remaining = decision.Remaining - estimatedUnits
	}
	reservation.ReservationID = correlation.NewID()
	return reservation, nil
}

func (s *Service) CommitUsage(ctx context.Context, req usagedomain.CommitRequest) (usagedomain.CommitResult, error) {
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		return usagedomain.CommitResult{}, usagedomain.ErrInvalidMember
	}
	if req.Units < 0 {
		return usagedomain.CommitResult{}, usagedomain.ErrInvalidUnits
	}
	monthKey, err := s.resolveMonth(req.MonthKey)
	if err != nil {
		return usagedomain.CommitResult{}, err
	}

	result := usagedomain.CommitResult{MemberID: memberID, MonthKey: monthKey}
	ctx = correlation.WithID(ctx, req.ReservationID)

	claimed := false
	if req.ReservationID != "" && s.guard != nil {
		first, err := s.guard.Claim(ctx, req.ReservationID, s.guardTTL)
		switch {
		case err != nil:
			s.log.Warn("commit guard unavailable",
				zap.String("reservation_id", req.ReservationID),
				zap.Error(err),
			)
		case !first:
			total, err := s.LedgerUsage(ctx, memberID, monthKey)
			if err != nil {
				return usagedomain.CommitResult{}, err
			}
			s.log.Info("duplicate usage commit ignored",
				zap.String("member_id", memberID),
				zap.String("reservation_id", req.ReservationID),
			)
			result.TotalUsed = total
			result.Duplicated = true
			return result, nil
		default:
			claimed = true
		}
	}

	total, err := s.RecordConsumption(ctx, memberID, monthKey, req.Units)
	if err != nil {
		if claimed {
			if releaseErr := s.guard.Release(ctx, req.ReservationID); releaseErr != nil {
				s.log.Warn("release commit guard failed", zap.Error(releaseErr))
			}
		}
		return usagedomain.CommitResult{}, err
	}

	result.Committed = req.Units
	result.TotalUsed = total
	return result, nil
}

func (s *Service) Summary(ctx context.Context, memberID string) (usagedomain.Summary, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return usagedomain.Summary{}, usagedomain.ErrInvalidMember
	}

	planID, policy, err := s.resolvePolicy(ctx, memberID)
	if err != nil {
		return usagedomain.Summary{}, err
	}

	monthKey := s.monthKey()
	used, err := s.currentUsage(ctx, memberID, monthKey)
	if err != nil {
		return usagedomain.Summary{}, err
	}
	decision := s.plans.Gate().CheckUnits(policy, used, 0)

	summary := usagedomain.Summary{
		MemberID:  memberID,
		Plan:      planID,
		MonthKey:  monthKey,
		Used:      used,
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		Unlimited: decision.Unlimited,
	}
	if s.daily != nil {
		today, err := s.daily.GetDaily(ctx, memberID, usagedomain.DayKey(s.clock.Now(), s.loc))
		if err != nil {
			s.log.Warn("read daily usage failed", zap.String("member_id", memberID), zap.Error(err))
		}
		summary.UsedToday = today
	}
	return summary, nil
}

func (s *Service) LedgerUsage(ctx context.Context, memberID, monthKey string) (int64, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return 0, usagedomain.ErrInvalidMember
	}
	monthKey, err := s.resolveMonth(monthKey)
	if err != nil {
		return 0, err
	}
	used, _, err := s.ledger.GetUsage(ctx, s.db, memberID, monthKey)
	if err != nil {
		return 0, usagedomain.Internal("read usage ledger", err)
	}
	return used, nil
}

func (s *Service) Resync(ctx context.Context, memberID, monthKey string) error {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return usagedomain.ErrInvalidMember
	}
	monthKey, err := s.resolveMonth(monthKey)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, memberID, monthKey); err != nil {
		return usagedomain.Internal("drop cached usage", err)
	}
	s.log.Info("usage cache dropped", zap.String("member_id", memberID), zap.String("month_key", monthKey))
	return nil
}

// currentUsage reads the cache and falls back to the ledger. The ledger value
// is written back only if no commit touched the counter while it was loaded.
func (s *Service) currentUsage(ctx context.Context, memberID, monthKey string) (int64, error) {
	cacheUp := true
	units, found, err := s.cache.Get(ctx, memberID, monthKey)
	if err != nil {
		s.log.Warn("usage cache read failed, using ledger",
			zap.String("member_id", memberID),
			zap.String("month_key", monthKey),
			zap.Error(err),
		)
		s.obsMetrics.RecordCacheFallback(ctx, "get")
		cacheUp = false
	} else if found {
		return units, nil
	}

	var gen int64
	if cacheUp {
		if gen, err = s.cache.Generation(ctx, memberID, monthKey); err != nil {
			s.log.Debug("usage cache generation read failed", zap.String("member_id", memberID), zap.Error(err))
			cacheUp = false
		}
	}

	used, found, err := s.ledger.GetUsage(ctx, s.db, memberID, monthKey)
	if err != nil {
		return 0, usagedomain.Internal("read usage ledger", err)
	}
	if !found {
		record, err := s.ledger.CreateIfAbsent(ctx, s.db, memberID, monthKey)
		if err != nil {
			return 0, usagedomain.Internal("create usage ledger row", err)
		}
		used = record.UsedUnits
	}

	if !cacheUp {
		return used, nil
	}
	ttl := usagedomain.TTLUntilNextMonth(s.clock.Now(), s.loc)
	stored, err := s.cache.Fill(ctx, memberID, monthKey, used, gen, ttl)
	if err != nil {
		s.log.Debug("usage cache repopulate failed", zap.String("member_id", memberID), zap.Error(err))
	} else if !stored {
		s.log.Debug("usage cache repopulate skipped", zap.String("member_id", memberID), zap.String("month_key", monthKey))
	}
	return used, nil
}

// markCommit flags a commit in flight so concurrent readers do not fill the
// cache from a ledger value the commit is about to change.
func (s *Service) markCommit(ctx context.Context, memberID, monthKey string) bool {
	if err := s.cache.BeginCommit(ctx, memberID, monthKey); err != nil {
		s.log.Warn("usage cache commit mark failed",
			zap.String("member_id", memberID),
			zap.String("month_key", monthKey),
			zap.Error(err),
		)
		s.obsMetrics.RecordCacheFallback(ctx, "begin")
		return false
	}
	return true
}

// mirrorToCache applies a committed delta to a warm counter. A cold counter
// stays cold and the next read loads the ledger total. Without a commit mark
// the counter is dropped instead.
func (s *Service) mirrorToCache(ctx context.Context, memberID, monthKey string, delta int64, marked bool) {
	if marked {
		_, _, err := s.cache.IncrementBy(ctx, memberID, monthKey, delta)
		if err == nil {
			return
		}
		s.log.Warn("usage cache increment failed",
			zap.String("member_id", memberID),
			zap.String("month_key", monthKey),
			zap.Error(err),
		)
		s.obsMetrics.RecordCacheFallback(ctx, "increment")
	}
	if err := s.cache.Delete(ctx, memberID, monthKey); err != nil {
		s.log.Warn("usage cache invalidate failed", zap.String("member_id", memberID), zap.Error(err))
	}
}

func (s *Service) countDaily(ctx context.Context, memberID, monthKey string, units int64) {
	if s.daily == nil {
		return
	}
	now := s.clock.Now()
	if monthKey != usagedomain.MonthKey(now, s.loc) {
		return
	}
	if _, err := s.daily.IncrementDaily(ctx, memberID, usagedomain.DayKey(now, s.loc), units); err != nil {
		s.log.Debug("daily usage increment failed", zap.String("member_id", memberID), zap.Error(err))
	}
}

func (s *Service) resolvePolicy(ctx context.Context, memberID string) (plandomain.PlanID, plandomain.Policy, error) {
	planID, err := s.members.GetPlan(ctx, memberID)
	if err != nil {
		if errors.Is(err, memberdomain.ErrInvalidMember) {
			return "", plandomain.Policy{}, usagedomain.ErrInvalidMember
		}
		return "", plandomain.Policy{}, usagedomain.Internal("resolve member plan", err)
	}
	policy := s.plans.Gate().Policy(planID)
	return policy.Plan, policy, nil
}

func (s *Service) resolveMonth(monthKey string) (string, error) {
	if strings.TrimSpace(monthKey) == "" {
		return s.monthKey(), nil
	}
	return usagedomain.ParseMonthKey(monthKey)
}

func (s *Service) monthKey() string {
	return usagedomain.MonthKey(s.clock.Now(), s.loc)
}
