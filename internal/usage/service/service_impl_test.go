package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	"github.com/phraiz/phraiz/internal/plan"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	usagecache "github.com/phraiz/phraiz/internal/usage/cache"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/phraiz/phraiz/internal/usage/repository"
	"github.com/phraiz/phraiz/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubPlans map[string]plandomain.PlanID

func (s stubPlans) GetPlan(_ context.Context, memberID string) (plandomain.PlanID, error) {
	if planID, ok := s[memberID]; ok {
		return planID, nil
	}
	return plandomain.PlanFree, nil
}

type failingCache struct {
	mu    sync.Mutex
	calls int
}

var errCacheDown = errors.New("dial tcp: connection refused")

func (c *failingCache) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *failingCache) Get(context.Context, string, string) (int64, bool, error) {
	c.hit()
	return 0, false, errCacheDown
}

func (c *failingCache) Set(context.Context, string, string, int64, time.Duration) error {
	c.hit()
	return errCacheDown
}

func (c *failingCache) Generation(context.Context, string, string) (int64, error) {
	c.hit()
	return 0, errCacheDown
}

func (c *failingCache) Fill(context.Context, string, string, int64, int64, time.Duration) (bool, error) {
	c.hit()
	return false, errCacheDown
}

func (c *failingCache) BeginCommit(context.Context, string, string) error {
	c.hit()
	return errCacheDown
}

func (c *failingCache) IncrementBy(context.Context, string, string, int64) (int64, bool, error) {
	c.hit()
	return 0, false, errCacheDown
}

// hookedCache runs a callback before selected operations so tests can park
// one caller mid-flight.
type hookedCache struct {
	*usagecache.MemoryCache
	beforeIncrement func()
	beforeFill      func()
}

func (c *hookedCache) IncrementBy(ctx context.Context, memberID, monthKey string, delta int64) (int64, bool, error) {
	if c.beforeIncrement != nil {
		c.beforeIncrement()
	}
	return c.MemoryCache.IncrementBy(ctx, memberID, monthKey, delta)
}

func (c *hookedCache) Fill(ctx context.Context, memberID, monthKey string, units, gen int64, ttl time.Duration) (bool, error) {
	if c.beforeFill != nil {
		c.beforeFill()
	}
	return c.MemoryCache.Fill(ctx, memberID, monthKey, units, gen, ttl)
}

func withHooks(hooks func(*hookedCache)) option {
	return func(p *ServiceParam) {
		hooked := &hookedCache{MemoryCache: p.Cache.(*usagecache.MemoryCache)}
		hooks(hooked)
		p.Cache = hooked
	}
}

func (c *failingCache) Delete(context.Context, string, string) error {
	c.hit()
	return errCacheDown
}

type failingLedger struct {
	usagedomain.Ledger
}

func (failingLedger) Increment(context.Context, *gorm.DB, string, string, int64) (int64, error) {
	return 0, errors.New("pq: connection reset")
}

type harness struct {
	db     *gorm.DB
	svc    *Service
	ledger usagedomain.Ledger
	cache  *usagecache.MemoryCache
	guard  *usagecache.MemoryCommitGuard
	clock  *clock.FakeClock
}

type option func(*ServiceParam)

func withCache(c usagedomain.Cache) option {
	return func(p *ServiceParam) { p.Cache = c }
}

func withLedger(l usagedomain.Ledger) option {
	return func(p *ServiceParam) { p.Ledger = l }
}

func setup(t *testing.T, now time.Time, opts ...option) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	mem := usagecache.NewMemoryCache(fake, time.UTC)
	guard := usagecache.NewMemoryCommitGuard(fake)
	ledger := repository.Provide(node)

	p := ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		Config:  config.Config{UsageTimezone: "UTC"},
		Clock:   fake,
		Ledger:  ledger,
		Cache:   mem,
		Daily:   mem,
		Guard:   guard,
		Plans:   plan.NewRegistry(plan.StaticSource(plandomain.DefaultConfig())),
		Members: stubPlans{"pro-member": plandomain.PlanPro},
	}
	for _, opt := range opts {
		opt(&p)
	}

	return &harness{
		db:     db,
		svc:    NewService(p).(*Service),
		ledger: ledger,
		cache:  mem,
		guard:  guard,
		clock:  fake,
	}
}

var september = time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)

func TestCommitUsageConcurrentSumsExactly(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 5})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("commit failed: %v", err)
	}

	total, err := h.svc.LedgerUsage(ctx, "m1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*5), total)
}

func TestCacheOutageStillDecidesFromLedger(t *testing.T) {
	broken := &failingCache{}
	h := setup(t, september, withCache(broken))
	ctx := context.Background()

	_, err := h.ledger.Increment(ctx, h.db, "m1", "2025-09", 99_990)
	require.NoError(t, err)

	policy := h.svc.plans.Gate().Policy(plandomain.PlanFree)

	decision, err := h.svc.RemainingUnits(ctx, "m1", policy, 10)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(10), decision.Remaining)

	decision, err = h.svc.RemainingUnits(ctx, "m1", policy, 11)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	result, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(99_994), result.TotalUsed)

	total, err := h.svc.LedgerUsage(ctx, "m1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(99_994), total)
	assert.Greater(t, broken.calls, 0)
}

func TestCheckAndReserveQuotaExceeded(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 99_995})
	require.NoError(t, err)

	_, err = h.svc.CheckAndReserve(ctx, "m1", 10)
	require.ErrorIs(t, err, usagedomain.ErrQuotaExceeded)

	var quotaErr *usagedomain.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "m1", quotaErr.MemberID)
	assert.Equal(t, int64(10), quotaErr.Requested)
	assert.Equal(t, int64(5), quotaErr.Remaining)
}

func TestCheckAndReserveAllowed(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 1_000})
	require.NoError(t, err)

	res, err := h.svc.CheckAndReserve(ctx, "m1", 500)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, plandomain.PlanFree, res.Plan)
	assert.Equal(t, "2025-09", res.MonthKey)
	assert.Equal(t, int64(1_000), res.Used)
	assert.Equal(t, int64(100_000-1_000-500), res.Remaining)
	assert.True(t, correlation.Valid(res.ReservationID))
}

func TestCheckAndReserveUnlimitedPlan(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	res, err := h.svc.CheckAndReserve(ctx, "pro-member", 50_000_000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Unlimited)
	assert.Equal(t, int64(-1), res.Remaining)
}

func TestRemainingUnitsRepopulatesCacheOnMiss(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.ledger.Increment(ctx, h.db, "m1", "2025-09", 40)
	require.NoError(t, err)

	policy := h.svc.plans.Gate().Policy(plandomain.PlanFree)
	_, err = h.svc.RemainingUnits(ctx, "m1", policy, 1)
	require.NoError(t, err)

	cached, found, err := h.cache.Get(ctx, "m1", "2025-09")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(40), cached)
}

func TestRemainingUnitsCreatesLedgerRowLazily(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	policy := h.svc.plans.Gate().Policy(plandomain.PlanFree)
	decision, err := h.svc.RemainingUnits(ctx, "fresh", policy, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), decision.Remaining)

	_, found, err := h.ledger.GetUsage(ctx, h.db, "fresh", "2025-09")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCommitLeavesColdCacheCold(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	// Ledger already holds usage the cache never saw.
	_, err := h.ledger.Increment(ctx, h.db, "m1", "2025-09", 40)
	require.NoError(t, err)

	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10})
	require.NoError(t, err)

	_, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.False(t, found)

	summary, err := h.svc.Summary(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), summary.Used)

	cached, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.True(t, found)
	assert.Equal(t, int64(50), cached)
}

func TestCommitUsageKeepsWarmCacheInStep(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.svc.Summary(ctx, "m1")
	require.NoError(t, err)

	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10})
	require.NoError(t, err)
	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 15})
	require.NoError(t, err)

	cached, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.True(t, found)
	assert.Equal(t, int64(25), cached)
}

func TestConcurrentColdCommitsNeverUndercount(t *testing.T) {
	parked := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := setup(t, september, withHooks(func(c *hookedCache) {
		c.beforeIncrement = func() {
			if calls.Add(1) == 1 {
				close(parked)
				<-release
			}
		}
	}))
	ctx := context.Background()

	// Commit A reaches the cache step and waits there.
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10})
		done <- err
	}()
	<-parked

	// Commit B runs to completion while A is parked.
	result, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.TotalUsed)

	// A reader in the gap sees the ledger and must not fill the cache.
	res, err := h.svc.CheckAndReserve(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Used)
	_, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.False(t, found)

	close(release)
	require.NoError(t, <-done)

	res, err = h.svc.CheckAndReserve(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Used)

	cached, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.True(t, found)
	assert.Equal(t, int64(20), cached)

	total, err := h.svc.LedgerUsage(ctx, "m1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
}

func TestStaleReaderDoesNotFillAfterCommit(t *testing.T) {
	parked := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := setup(t, september, withHooks(func(c *hookedCache) {
		c.beforeFill = func() {
			if calls.Add(1) == 1 {
				close(parked)
				<-release
			}
		}
	}))
	ctx := context.Background()

	// The reader has loaded a zero ledger and waits before filling.
	read := make(chan int64, 1)
	go func() {
		summary, err := h.svc.Summary(ctx, "m1")
		assert.NoError(t, err)
		read <- summary.Used
	}()
	<-parked

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10})
	require.NoError(t, err)

	close(release)
	assert.Zero(t, <-read)

	_, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.False(t, found)

	summary, err := h.svc.Summary(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.Used)
}

func TestCommitUsageDeduplicatesReservation(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()
	req := usagedomain.CommitRequest{MemberID: "m1", Units: 10, ReservationID: correlation.NewID()}

	first, err := h.svc.CommitUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicated)

	second, err := h.svc.CommitUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicated)
	assert.Equal(t, int64(10), second.TotalUsed)

	total, err := h.svc.LedgerUsage(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
}

func TestCommitUsageReleasesGuardWhenLedgerFails(t *testing.T) {
	h := setup(t, september, withLedger(failingLedger{}))
	ctx := context.Background()
	id := correlation.NewID()

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 10, ReservationID: id})
	require.ErrorIs(t, err, usagedomain.ErrTransientStore)

	claimed, err := h.guard.Claim(ctx, id, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The commit mark was closed, so readers may fill again.
	gen, err := h.cache.Generation(ctx, "m1", "2025-09")
	require.NoError(t, err)
	stored, err := h.cache.Fill(ctx, "m1", "2025-09", 0, gen, 0)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestMonthRolloverReadsZero(t *testing.T) {
	h := setup(t, time.Date(2025, 9, 30, 23, 59, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 70})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)

	summary, err := h.svc.Summary(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "2025-10", summary.MonthKey)
	assert.Zero(t, summary.Used)
	assert.Equal(t, int64(100_000), summary.Remaining)

	previous, err := h.svc.LedgerUsage(ctx, "m1", "2025-09")
	require.NoError(t, err)
	assert.Equal(t, int64(70), previous)
}

func TestSummaryReportsDailyUsage(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 12})
	require.NoError(t, err)
	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 3})
	require.NoError(t, err)

	summary, err := h.svc.Summary(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), summary.Used)
	assert.Equal(t, int64(3), summary.UsedToday)
	assert.Equal(t, plandomain.PlanFree, summary.Plan)
}

func TestResyncDropsCachedCounter(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	require.NoError(t, h.cache.Set(ctx, "m1", "2025-09", 999, time.Hour))
	require.NoError(t, h.svc.Resync(ctx, "m1", ""))

	_, found, _ := h.cache.Get(ctx, "m1", "2025-09")
	assert.False(t, found)
}

func TestValidation(t *testing.T) {
	h := setup(t, september)
	ctx := context.Background()

	_, err := h.svc.CheckAndReserve(ctx, " ", 1)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMember)

	_, err = h.svc.CheckAndReserve(ctx, "m1", -1)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUnits)

	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: -5})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidUnits)

	_, err = h.svc.CommitUsage(ctx, usagedomain.CommitRequest{MemberID: "m1", Units: 1, MonthKey: "2025-13"})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMonthKey)
}
