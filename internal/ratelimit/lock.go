package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the key only while it still carries the holder's token, so an
// expired lease cannot remove a lock re-acquired by another process.
var leaseReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrLockerUnavailable = errors.New("lock store not configured")

// Locker hands out single-holder leases on redis keys. Background jobs use it
// so only one instance works a batch at a time.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is held until Release or until its TTL lapses.
type Lease struct {
	client *redis.Client
	key    string
	holder string
}

// Acquire returns a nil lease and nil error when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockerUnavailable
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lease needs a key and a positive ttl")
	}

	holder := uuid.NewString()
	won, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	return &Lease{client: l.client, key: key, holder: holder}, nil
}

func (ls *Lease) Key() string {
	if ls == nil {
		return ""
	}
	return ls.key
}

func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	return leaseReleaseScript.Run(ctx, ls.client, []string{ls.key}, ls.holder).Err()
}
