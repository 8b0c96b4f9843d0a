// Package reconcile drops cached usage counters that disagree with the
// ledger. It never writes a value into the cache; the next read reloads it.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/phraiz/phraiz/internal/clock"
	appconfig "github.com/phraiz/phraiz/internal/config"
	obsmetrics "github.com/phraiz/phraiz/internal/observability/metrics"
	"github.com/phraiz/phraiz/internal/ratelimit"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobName = "usage_cache_reconcile"
	lockKey = "usage_reconcile:lock"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Ledger    usagedomain.Ledger
	Cache     usagedomain.Cache
	Clock     clock.Clock
	AppConfig appconfig.Config
	Config    Config                 `optional:"true"`
	Jobs      *obsmetrics.JobMetrics `optional:"true"`
	Locker    *ratelimit.Locker      `optional:"true"`
}

type Worker struct {
	db     *gorm.DB
	log    *zap.Logger
	ledger usagedomain.Ledger
	cache  usagedomain.Cache
	clock  clock.Clock
	loc    *time.Location
	jobs   *obsmetrics.JobMetrics
	locker *ratelimit.Locker
	cfg    Config
}

// Result summarises one pass.
type Result struct {
	Scanned int
	Dropped int
	// Skipped is set when another instance held the reconcile lock.
	Skipped bool
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:     p.DB,
		log:    p.Log.Named("usage.reconcile"),
		ledger: p.Ledger,
		cache:  p.Cache,
		clock:  p.Clock,
		loc:    p.AppConfig.Location(),
		jobs:   p.Jobs,
		locker: p.Locker,
		cfg:    p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("usage reconcile run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	if w.locker != nil {
		lease, err := w.locker.Acquire(ctx, lockKey, w.cfg.PollInterval)
		if err != nil {
			w.jobs.IncJobErrorReason(jobName, obsmetrics.JobReasonCacheUnavailable)
			return Result{}, fmt.Errorf("acquire reconcile lock: %w", err)
		}
		if lease == nil {
			return Result{Skipped: true}, nil
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				w.log.Warn("release reconcile lock failed", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	w.jobs.IncJobRun(jobName)
	defer func() { w.jobs.ObserveJobDuration(jobName, time.Since(start)) }()

	result, err := w.reconcile(ctx)
	w.jobs.AddBatchProcessed(jobName, "usage_ledger", result.Scanned)
	w.jobs.AddBatchProcessed(jobName, "cache_dropped", result.Dropped)
	if result.Dropped > 0 {
		w.log.Info("dropped drifted usage counters",
			zap.Int("scanned", result.Scanned),
			zap.Int("dropped", result.Dropped),
		)
	}
	return result, err
}

func (w *Worker) reconcile(ctx context.Context) (Result, error) {
	var result Result

	now := w.clock.Now()
	monthKey := usagedomain.MonthKey(now, w.loc)
	rows, err := w.ledger.ListUpdatedSince(ctx, w.db, monthKey, now.Add(-w.cfg.Lookback), w.cfg.BatchSize)
	if err != nil {
		w.jobs.IncJobError(jobName, err)
		return result, fmt.Errorf("list recent usage: %w", err)
	}

	for _, row := range rows {
		result.Scanned++

		cached, found, err := w.cache.Get(ctx, row.MemberID, row.MonthKey)
		if err != nil {
			// The cache is down for everyone; the rest of the batch would fail too.
			w.jobs.IncJobErrorReason(jobName, obsmetrics.JobReasonCacheUnavailable)
			return result, fmt.Errorf("read cached usage: %w", err)
		}
		if !found || cached == row.UsedUnits {
			continue
		}

		if err := w.cache.Delete(ctx, row.MemberID, row.MonthKey); err != nil {
			w.jobs.IncJobErrorReason(jobName, obsmetrics.JobReasonCacheUnavailable)
			return result, fmt.Errorf("drop cached usage: %w", err)
		}
		w.log.Debug("usage counter drift",
			zap.String("member_id", row.MemberID),
			zap.String("month_key", row.MonthKey),
			zap.Int64("cached", cached),
			zap.Int64("ledger", row.UsedUnits),
		)
		result.Dropped++
	}

	return result, nil
}
