package domain

import (
	"context"
	"errors"
	"fmt"

	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
)

// Reservation is the answer to a pre-flight quota check.
type Reservation struct {
	ReservationID string            `json:"reservation_id"`
	MemberID      string            `json:"member_id"`
	Plan          plandomain.PlanID `json:"plan"`
	MonthKey      string            `json:"month_key"`
	Allowed       bool              `json:"allowed"`
	Unlimited     bool              `json:"unlimited"`
	Requested     int64             `json:"requested"`
	Used          int64             `json:"used"`
	Limit         int64             `json:"limit"`
	// Remaining is the allowance after this request; -1 for unlimited plans.
	Remaining int64 `json:"remaining"`
}

type CommitRequest struct {
	MemberID      string `json:"member_id"`
	Units         int64  `json:"units"`
	ReservationID string `json:"reservation_id"`
	// MonthKey pins the commit to the month the reservation was made in.
	MonthKey string `json:"month_key"`
}

type CommitResult struct {
	MemberID   string `json:"member_id"`
	MonthKey   string `json:"month_key"`
	Committed  int64  `json:"committed"`
	TotalUsed  int64  `json:"total_used"`
	Duplicated bool   `json:"duplicated"`
}

type Summary struct {
	MemberID  string            `json:"member_id"`
	Plan      plandomain.PlanID `json:"plan"`
	MonthKey  string            `json:"month_key"`
	Used      int64             `json:"used"`
	Limit     int64             `json:"limit"`
	Remaining int64             `json:"remaining"`
	Unlimited bool              `json:"unlimited"`
	UsedToday int64             `json:"used_today"`
}

type Service interface {
	// RemainingUnits reads usage cache first, ledger on miss, and applies the policy.
	RemainingUnits(ctx context.Context, memberID string, policy plandomain.Policy, requested int64) (plandomain.Decision, error)
	// RecordConsumption writes the ledger, then mirrors the delta into the cache.
	RecordConsumption(ctx context.Context, memberID, monthKey string, units int64) (int64, error)

	CheckAndReserve(ctx context.Context, memberID string, estimatedUnits int64) (Reservation, error)
	CommitUsage(ctx context.Context, req CommitRequest) (CommitResult, error)
	Summary(ctx context.Context, memberID string) (Summary, error)
	// LedgerUsage is the authoritative total for any month, bypassing the cache.
	LedgerUsage(ctx context.Context, memberID, monthKey string) (int64, error)
	// Resync drops the cached counter so the next read reloads it from the ledger.
	Resync(ctx context.Context, memberID, monthKey string) error
}

var (
	ErrInvalidMember   = errors.New("invalid_member")
	ErrInvalidUnits    = errors.New("invalid_units")
	ErrInvalidMonthKey = errors.New("invalid_month_key")
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	ErrTransientStore  = errors.New("usage_store_unavailable")
)

// QuotaExceededError carries the numbers a caller needs to explain a denial.
type QuotaExceededError struct {
	MemberID  string
	Plan      plandomain.PlanID
	Requested int64
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: member %s requested %d units, %d remaining", e.MemberID, e.Requested, e.Remaining)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// Internal wraps an infrastructure failure so driver text does not leak.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStore, op, err)
}
