package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Refills by elapsed redis server time, then spends one token. The reply is
// {allowed, tokens_left, wait_ms}; tokens_left is a string to keep fractions.
var spendScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now_ms = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now_ms
local elapsed = math.max(0, now_ms - last)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {allowed, tostring(tokens), wait_ms}
`)

// BucketLimits is a refill rate in tokens per second plus the bucket capacity.
type BucketLimits struct {
	Rate  float64
	Burst int
}

func (l BucketLimits) validate() error {
	if l.Rate <= 0 || l.Burst <= 0 {
		return fmt.Errorf("bucket rate %.3f and burst %d must be positive", l.Rate, l.Burst)
	}
	return nil
}

// idleTTL keeps a bucket around for twice the time a full refill takes.
func (l BucketLimits) idleTTL() time.Duration {
	ttl := time.Duration(math.Ceil(2*float64(l.Burst)/l.Rate)) * time.Second
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Decision is the outcome of spending one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func spend(ctx context.Context, client *redis.Client, key string, limits BucketLimits) (Decision, error) {
	if client == nil {
		return Decision{}, errors.New("bucket store not configured")
	}
	if key == "" {
		return Decision{}, errors.New("bucket key is empty")
	}
	if err := limits.validate(); err != nil {
		return Decision{}, err
	}

	reply, err := spendScript.Run(ctx, client, []string{key}, limits.Rate, limits.Burst, limits.idleTTL().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("bucket script returned %d values", len(reply))
	}

	allowed, _ := reply[0].(int64)
	waitMS, _ := reply[2].(int64)
	left, _ := reply[1].(string)
	tokens, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse bucket tokens %q: %w", left, err)
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(tokens),
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}
