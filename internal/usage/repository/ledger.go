package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	dbpkg "github.com/phraiz/phraiz/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ledgerRepo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) usagedomain.Ledger {
	return &ledgerRepo{genID: genID}
}

func (r *ledgerRepo) GetUsage(ctx context.Context, db *gorm.DB, memberID, monthKey string) (int64, bool, error) {
	var used []int64
	err := db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("member_id = ? AND month_key = ?", memberID, monthKey).
		Limit(1).
		Pluck("used_units", &used).Error
	if err != nil {
		return 0, false, err
	}
	if len(used) == 0 {
		return 0, false, nil
	}
	return used[0], true, nil
}

func (r *ledgerRepo) AtomicIncrement(ctx context.Context, db *gorm.DB, memberID, monthKey string, delta int64) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_ledger
		 SET used_units = used_units + ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE member_id = ? AND month_key = ?`,
		delta,
		db.NowFunc(),
		memberID,
		monthKey,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *ledgerRepo) CreateIfAbsent(ctx context.Context, db *gorm.DB, memberID, monthKey string) (*usagedomain.UsageRecord, error) {
	now := db.NowFunc()
	record := &usagedomain.UsageRecord{
		ID:        r.genID.Generate(),
		MemberID:  memberID,
		MonthKey:  monthKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}, {Name: "month_key"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil && !dbpkg.IsDuplicateKeyErr(result.Error) {
		return nil, result.Error
	}
	if result.Error == nil && result.RowsAffected > 0 {
		return record, nil
	}

	// Another writer created the row first.
	var existing usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("member_id = ? AND month_key = ?", memberID, monthKey).
		Take(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *ledgerRepo) Increment(ctx context.Context, db *gorm.DB, memberID, monthKey string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, usagedomain.ErrInvalidUnits
	}
	if strings.TrimSpace(memberID) == "" {
		return 0, usagedomain.ErrInvalidMember
	}
	if delta == 0 {
		used, _, err := r.GetUsage(ctx, db, memberID, monthKey)
		return used, err
	}

	rows, err := r.AtomicIncrement(ctx, db, memberID, monthKey, delta)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		if _, err := r.CreateIfAbsent(ctx, db, memberID, monthKey); err != nil {
			return 0, err
		}
		// Exactly one retry; a second miss falls through to the read below.
		if _, err = r.AtomicIncrement(ctx, db, memberID, monthKey, delta); err != nil {
			return 0, err
		}
	}

	used, _, err := r.GetUsage(ctx, db, memberID, monthKey)
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (r *ledgerRepo) ListUpdatedSince(ctx context.Context, db *gorm.DB, monthKey string, since time.Time, limit int) ([]usagedomain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("month_key = ? AND updated_at >= ?", monthKey, since).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
