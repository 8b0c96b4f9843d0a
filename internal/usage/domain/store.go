package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Ledger is the durable tier. Every method takes the handle to run on so
// callers can compose it inside their own transactions.
type Ledger interface {
	// GetUsage returns found=false when the member has no row for the month.
	GetUsage(ctx context.Context, db *gorm.DB, memberID, monthKey string) (units int64, found bool, err error)
	// AtomicIncrement adds delta in one UPDATE and reports rows affected.
	AtomicIncrement(ctx context.Context, db *gorm.DB, memberID, monthKey string, delta int64) (int64, error)
	// CreateIfAbsent inserts a zero row, re-fetching when a concurrent insert won.
	CreateIfAbsent(ctx context.Context, db *gorm.DB, memberID, monthKey string) (*UsageRecord, error)
	// Increment applies delta with one bounded create-and-retry and returns the new total.
	Increment(ctx context.Context, db *gorm.DB, memberID, monthKey string, delta int64) (int64, error)
	// ListUpdatedSince returns rows of monthKey touched at or after since.
	ListUpdatedSince(ctx context.Context, db *gorm.DB, monthKey string, since time.Time, limit int) ([]UsageRecord, error)
}

// Cache is the perishable shared tier. A miss means unknown, never zero.
type Cache interface {
	Get(ctx context.Context, memberID, monthKey string) (units int64, found bool, err error)
	// Set overwrites the counter unconditionally.
	Set(ctx context.Context, memberID, monthKey string, units int64, ttl time.Duration) error
	// Generation changes every time a commit finishes. A reader takes it before
	// loading the ledger and hands it to Fill.
	Generation(ctx context.Context, memberID, monthKey string) (int64, error)
	// Fill stores a ledger value only when the key is absent, no commit is in
	// flight and the generation still equals gen. It reports whether it stored.
	Fill(ctx context.Context, memberID, monthKey string, units, gen int64, ttl time.Duration) (bool, error)
	// BeginCommit marks a commit in flight before its ledger write.
	BeginCommit(ctx context.Context, memberID, monthKey string) error
	// IncrementBy closes one BeginCommit and adds delta to the counter if it
	// exists, atomically. An absent counter stays absent.
	IncrementBy(ctx context.Context, memberID, monthKey string, delta int64) (units int64, found bool, err error)
	Delete(ctx context.Context, memberID, monthKey string) error
}

// DailyCounter tracks advisory per-day consumption next to the monthly counter.
type DailyCounter interface {
	IncrementDaily(ctx context.Context, memberID, dayKey string, delta int64) (int64, error)
	GetDaily(ctx context.Context, memberID, dayKey string) (int64, error)
}

// CommitGuard suppresses repeated commits of the same reservation.
type CommitGuard interface {
	// Claim returns true the first time reservationID is seen within ttl.
	Claim(ctx context.Context, reservationID string, ttl time.Duration) (bool, error)
	// Release forgets a claim whose commit did not land.
	Release(ctx context.Context, reservationID string) error
}
