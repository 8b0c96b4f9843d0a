package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phraiz/phraiz/internal/clock"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyMonthlyUsage      = "monthly_usage:%s:%s"
	keyMonthlyGeneration = "monthly_usage_gen:%s:%s"
	keyMonthlyInflight   = "monthly_usage_inflight:%s:%s"
	keyDailyUsage        = "daily_usage:%s:%s"
	keyUsageCommit       = "usage_commit:%s"
)

// InflightTTL bounds how long a crashed commit can keep fills blocked.
const InflightTTL = 30 * time.Second

// incrementScript adds ARGV[1] and arms the expiry only when the key has none,
// so the first writer of a period fixes its deadline.
const incrementScript = `
local value = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return value
`

// beginScript counts a commit in flight and pushes the mark's deadline out.
const beginScript = `
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`

// finishScript clears one in-flight mark, bumps the generation and adds
// ARGV[1] to the counter only if it is present. Returns {found, value}.
// KEYS: counter, generation, in-flight.
const finishScript = `
if tonumber(redis.call("GET", KEYS[3]) or "0") > 0 then
  redis.call("DECR", KEYS[3])
end
redis.call("INCR", KEYS[2])
if redis.call("PTTL", KEYS[2]) < 0 then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, 0}
end
return {1, redis.call("INCRBY", KEYS[1], ARGV[1])}
`

// fillScript stores ARGV[1] with NX while nothing is in flight and the
// generation still equals ARGV[2]. Returns 1 when stored.
const fillScript = `
if tonumber(redis.call("GET", KEYS[3]) or "0") > 0 then
  return 0
end
if tonumber(redis.call("GET", KEYS[2]) or "0") ~= tonumber(ARGV[2]) then
  return 0
end
if redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3], "NX") then
  return 1
end
return 0
`

func MonthlyKey(memberID, monthKey string) string {
	return fmt.Sprintf(keyMonthlyUsage, strings.TrimSpace(memberID), monthKey)
}

func GenerationKey(memberID, monthKey string) string {
	return fmt.Sprintf(keyMonthlyGeneration, strings.TrimSpace(memberID), monthKey)
}

func InflightKey(memberID, monthKey string) string {
	return fmt.Sprintf(keyMonthlyInflight, strings.TrimSpace(memberID), monthKey)
}

func counterKeys(memberID, monthKey string) []string {
	return []string{
		MonthlyKey(memberID, monthKey),
		GenerationKey(memberID, monthKey),
		InflightKey(memberID, monthKey),
	}
}

func DailyKey(memberID, dayKey string) string {
	return fmt.Sprintf(keyDailyUsage, strings.TrimSpace(memberID), dayKey)
}

// RedisCache is the shared usage cache. Keys expire at the next period
// boundary in the configured location.
type RedisCache struct {
	client *redis.Client
	daily  *redis.Script
	begin  *redis.Script
	finish *redis.Script
	fill   *redis.Script
	clock  clock.Clock
	loc    *time.Location
}

func NewRedisCache(client *redis.Client, c clock.Clock, loc *time.Location) *RedisCache {
	if client == nil {
		return nil
	}
	if c == nil {
		c = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RedisCache{
		client: client,
		daily:  redis.NewScript(incrementScript),
		begin:  redis.NewScript(beginScript),
		finish: redis.NewScript(finishScript),
		fill:   redis.NewScript(fillScript),
		clock:  c,
		loc:    loc,
	}
}

func (r *RedisCache) Get(ctx context.Context, memberID, monthKey string) (int64, bool, error) {
	value, err := r.client.Get(ctx, MonthlyKey(memberID, monthKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (r *RedisCache) Set(ctx context.Context, memberID, monthKey string, units int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = usagedomain.TTLUntilNextMonth(r.clock.Now(), r.loc)
	}
	return r.client.Set(ctx, MonthlyKey(memberID, monthKey), units, ttl).Err()
}

func (r *RedisCache) Generation(ctx context.Context, memberID, monthKey string) (int64, error) {
	gen, err := r.client.Get(ctx, GenerationKey(memberID, monthKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *RedisCache) Fill(ctx context.Context, memberID, monthKey string, units, gen int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = usagedomain.TTLUntilNextMonth(r.clock.Now(), r.loc)
	}
	stored, err := r.fill.Run(ctx, r.client, counterKeys(memberID, monthKey), units, gen, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (r *RedisCache) BeginCommit(ctx context.Context, memberID, monthKey string) error {
	keys := []string{InflightKey(memberID, monthKey)}
	return r.begin.Run(ctx, r.client, keys, InflightTTL.Milliseconds()).Err()
}

func (r *RedisCache) IncrementBy(ctx context.Context, memberID, monthKey string, delta int64) (int64, bool, error) {
	ttl := usagedomain.TTLUntilNextMonth(r.clock.Now(), r.loc)
	reply, err := r.finish.Run(ctx, r.client, counterKeys(memberID, monthKey), delta, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(reply) != 2 {
		return 0, false, fmt.Errorf("increment usage: unexpected reply %v", reply)
	}
	return reply[1], reply[0] == 1, nil
}

func (r *RedisCache) Delete(ctx context.Context, memberID, monthKey string) error {
	return r.client.Del(ctx, MonthlyKey(memberID, monthKey)).Err()
}

func (r *RedisCache) IncrementDaily(ctx context.Context, memberID, dayKey string, delta int64) (int64, error) {
	ttl := usagedomain.TTLUntilNextDay(r.clock.Now(), r.loc)
	return r.incr(ctx, DailyKey(memberID, dayKey), delta, ttl)
}

func (r *RedisCache) GetDaily(ctx context.Context, memberID, dayKey string) (int64, error) {
	value, err := r.client.Get(ctx, DailyKey(memberID, dayKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

func (r *RedisCache) incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return r.daily.Run(ctx, r.client, []string{key}, delta, ttl.Milliseconds()).Int64()
}

// RedisCommitGuard records reservation ids with SETNX.
type RedisCommitGuard struct {
	client *redis.Client
}

func NewRedisCommitGuard(client *redis.Client) *RedisCommitGuard {
	if client == nil {
		return nil
	}
	return &RedisCommitGuard{client: client}
}

func (g *RedisCommitGuard) Claim(ctx context.Context, reservationID string, ttl time.Duration) (bool, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return true, nil
	}
	return g.client.SetNX(ctx, fmt.Sprintf(keyUsageCommit, reservationID), 1, ttl).Result()
}

func (g *RedisCommitGuard) Release(ctx context.Context, reservationID string) error {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil
	}
	return g.client.Del(ctx, fmt.Sprintf(keyUsageCommit, reservationID)).Err()
}
