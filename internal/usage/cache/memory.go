package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	ttlcache "github.com/phraiz/phraiz/internal/cache"
	"github.com/phraiz/phraiz/internal/clock"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
)

// MemoryCache is the single-process stand-in for RedisCache. mu serialises
// the compound generation operations the redis scripts run atomically.
type MemoryCache struct {
	mu      sync.Mutex
	entries ttlcache.Cache[string, int64]
	clock   clock.Clock
	loc     *time.Location
}

func NewMemoryCache(c clock.Clock, loc *time.Location) *MemoryCache {
	if c == nil {
		c = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryCache{
		entries: ttlcache.NewTTLCacheWithClock[string, int64](c),
		clock:   c,
		loc:     loc,
	}
}

func (m *MemoryCache) Get(_ context.Context, memberID, monthKey string) (int64, bool, error) {
	value, ok := m.entries.Get(MonthlyKey(memberID, monthKey))
	return value, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, memberID, monthKey string, units int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = usagedomain.TTLUntilNextMonth(m.clock.Now(), m.loc)
	}
	m.mu.Lock()
	m.entries.Set(MonthlyKey(memberID, monthKey), units, ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Generation(_ context.Context, memberID, monthKey string) (int64, error) {
	gen, _ := m.entries.Get(GenerationKey(memberID, monthKey))
	return gen, nil
}

func (m *MemoryCache) Fill(_ context.Context, memberID, monthKey string, units, gen int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = usagedomain.TTLUntilNextMonth(m.clock.Now(), m.loc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if pending, _ := m.entries.Get(InflightKey(memberID, monthKey)); pending > 0 {
		return false, nil
	}
	if current, _ := m.entries.Get(GenerationKey(memberID, monthKey)); current != gen {
		return false, nil
	}
	key := MonthlyKey(memberID, monthKey)
	if _, ok := m.entries.Get(key); ok {
		return false, nil
	}
	m.entries.Set(key, units, ttl)
	return true, nil
}

func (m *MemoryCache) BeginCommit(_ context.Context, memberID, monthKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := InflightKey(memberID, monthKey)
	pending, _ := m.entries.Get(key)
	m.entries.Set(key, pending+1, InflightTTL)
	return nil
}

func (m *MemoryCache) IncrementBy(_ context.Context, memberID, monthKey string, delta int64) (int64, bool, error) {
	ttl := usagedomain.TTLUntilNextMonth(m.clock.Now(), m.loc)
	m.mu.Lock()
	defer m.mu.Unlock()

	inflight := InflightKey(memberID, monthKey)
	if pending, ok := m.entries.Get(inflight); ok && pending > 0 {
		m.entries.Update(inflight, InflightTTL, add(-1))
	}
	m.entries.Update(GenerationKey(memberID, monthKey), ttl, add(1))

	key := MonthlyKey(memberID, monthKey)
	if _, ok := m.entries.Get(key); !ok {
		return 0, false, nil
	}
	return m.entries.Update(key, ttl, add(delta)), true, nil
}

func (m *MemoryCache) Delete(_ context.Context, memberID, monthKey string) error {
	m.mu.Lock()
	m.entries.Delete(MonthlyKey(memberID, monthKey))
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) IncrementDaily(_ context.Context, memberID, dayKey string, delta int64) (int64, error) {
	ttl := usagedomain.TTLUntilNextDay(m.clock.Now(), m.loc)
	return m.entries.Update(DailyKey(memberID, dayKey), ttl, add(delta)), nil
}

func (m *MemoryCache) GetDaily(_ context.Context, memberID, dayKey string) (int64, error) {
	value, _ := m.entries.Get(DailyKey(memberID, dayKey))
	return value, nil
}

func add(delta int64) func(int64, bool) int64 {
	return func(current int64, _ bool) int64 { return current + delta }
}

type MemoryCommitGuard struct {
	seen ttlcache.Cache[string, bool]
}

func NewMemoryCommitGuard(c clock.Clock) *MemoryCommitGuard {
	if c == nil {
		c = clock.New()
	}
	return &MemoryCommitGuard{seen: ttlcache.NewTTLCacheWithClock[string, bool](c)}
}

func (g *MemoryCommitGuard) Claim(_ context.Context, reservationID string, ttl time.Duration) (bool, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return true, nil
	}
	first := false
	g.seen.Update(reservationID, ttl, func(_ bool, ok bool) bool {
		first = !ok
		return true
	})
	return first, nil
}

func (g *MemoryCommitGuard) Release(_ context.Context, reservationID string) error {
	g.seen.Delete(strings.TrimSpace(reservationID))
	return nil
}
