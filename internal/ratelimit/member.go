package ratelimit

import (
	"context"
	"errors"
	"strings"

	"github.com/phraiz/phraiz/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const memberBucketPrefix = "rate_limit:member:"

// MemberLimiter throttles metered requests per member. A disabled limiter
// allows everything.
type MemberLimiter struct {
	client *redis.Client
	limits BucketLimits
}

func NewMemberLimiter(cfg config.Config, client *redis.Client) (*MemberLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &MemberLimiter{}, nil
	}
	if client == nil {
		return nil, errors.New("rate limiting requires redis")
	}

	limits := BucketLimits{Rate: limitCfg.MemberRate, Burst: limitCfg.MemberBurst}
	if err := limits.validate(); err != nil {
		return nil, err
	}
	return &MemberLimiter{client: client, limits: limits}, nil
}

func (l *MemberLimiter) Enabled() bool {
	return l != nil && l.client != nil
}

func (l *MemberLimiter) Allow(ctx context.Context, memberID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return spend(ctx, l.client, memberBucketPrefix+strings.TrimSpace(memberID), l.limits)
}
