package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("scan: %w", context.Canceled), want: JobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newJobMetrics(registry, Config{
		ServiceName: "phraiz",
		Environment: "test",
	})

	metrics.AddBatchProcessed("usage_reconcile", "cache_keys", 3)
	metrics.AddBatchProcessed("usage_reconcile", "cache_keys", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("usage_reconcile", "cache_keys"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncJobErrorUsesReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newJobMetrics(registry, Config{})

	metrics.IncJobError("usage_reconcile", context.DeadlineExceeded)
	metrics.IncJobError("usage_reconcile", nil)

	got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("usage_reconcile", JobReasonDeadlineExceeded))
	if got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}
