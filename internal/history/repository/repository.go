package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	dbpkg "github.com/phraiz/phraiz/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// appendAttempts bounds retries when two appends race for the same sequence
// number on a database without row locks.
const appendAttempts = 3

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) historydomain.Repository {
	return &repo{genID: genID}
}

func (r *repo) CreateHistory(ctx context.Context, db *gorm.DB, history *historydomain.History) error {
	return db.WithContext(ctx).Create(history).Error
}

func (r *repo) FindHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID) (*historydomain.History, error) {
	var history historydomain.History
	err := db.WithContext(ctx).Where("id = ?", historyID).Take(&history).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &history, nil
}

func (r *repo) CountHistories(ctx context.Context, db *gorm.DB, memberID string, kind historydomain.Kind) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&historydomain.History{}).
		Where("member_id = ? AND kind = ?", memberID, kind).
		Count(&count).Error
	return count, err
}

func (r *repo) ListHistories(ctx context.Context, db *gorm.DB, filter historydomain.ListFilter) ([]*historydomain.History, error) {
	stmt := db.WithContext(ctx).
		Where("member_id = ? AND kind = ?", filter.MemberID, filter.Kind)
	stmt = whereFolder(stmt, filter.FolderID)
	if filter.CursorCreatedAt != nil {
		stmt = stmt.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			*filter.CursorCreatedAt, *filter.CursorCreatedAt, filter.CursorID,
		)
	}

	var rows []*historydomain.History
	err := stmt.
		Order("created_at DESC").
		Order("id DESC").
		Limit(filter.Limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) NameTaken(
	ctx context.Context,
	db *gorm.DB,
	memberID string,
	kind historydomain.Kind,
	folderID *snowflake.ID,
	nameKey string,
	exclude snowflake.ID,
) (bool, error) {
	stmt := db.WithContext(ctx).
		Model(&historydomain.History{}).
		Where("member_id = ? AND kind = ? AND name_key = ? AND id <> ?", memberID, kind, nameKey, exclude)
	stmt = whereFolder(stmt, folderID)

	var count int64
	if err := stmt.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) UpdateHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID, updates map[string]any) error {
	result := db.WithContext(ctx).
		Model(&historydomain.History{}).
		Where("id = ?", historyID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return historydomain.ErrHistoryNotFound
	}
	return nil
}

func (r *repo) DeleteHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// sqlite only cascades with foreign_keys enabled, so drop revisions explicitly.
		if err := tx.Where("history_id = ?", historyID).Delete(&historydomain.Content{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", historyID).Delete(&historydomain.History{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return historydomain.ErrHistoryNotFound
		}
		return nil
	})
}

func (r *repo) AppendContent(
	ctx context.Context,
	db *gorm.DB,
	historyID snowflake.ID,
	payload historydomain.Payload,
) (int, int64, error) {
	var (
		seq     int
		evicted int64
		err     error
	)
	for attempt := 0; attempt < appendAttempts; attempt++ {
		seq, evicted, err = r.appendOnce(ctx, db, historyID, payload)
		if err == nil || !dbpkg.IsDuplicateKeyErr(err) {
			break
		}
	}
	return seq, evicted, err
}

func (r *repo) appendOnce(
	ctx context.Context,
	db *gorm.DB,
	historyID snowflake.ID,
	payload historydomain.Payload,
) (int, int64, error) {
	var (
		seq     int
		evicted int64
	)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lock := tx.Model(&historydomain.History{}).Select("id").Where("id = ?", historyID)
		if dbpkg.SupportsRowLocks(tx) {
			lock = lock.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var locked []int64
		if err := lock.Pluck("id", &locked).Error; err != nil {
			return err
		}
		if len(locked) == 0 {
			return historydomain.ErrHistoryNotFound
		}

		var maxSeq int64
		if err := tx.Raw(
			`SELECT COALESCE(MAX(sequence_number), 0) FROM content WHERE history_id = ?`,
			historyID,
		).Scan(&maxSeq).Error; err != nil {
			return err
		}
		seq = int(maxSeq) + 1

		now := tx.NowFunc()
		content := &historydomain.Content{
			ID:             r.genID.Generate(),
			HistoryID:      historyID,
			SequenceNumber: seq,
			OriginalText:   payload.OriginalText,
			ResultText:     payload.ResultText,
			Mode:           payload.Mode,
			Scale:          payload.Scale,
			CustomMode:     payload.CustomMode,
			Metadata:       datatypes.JSONMap(payload.Metadata),
			CreatedAt:      now,
		}
		if err := tx.Omit(clause.Associations).Create(content).Error; err != nil {
			return err
		}

		result := tx.Exec(
			`DELETE FROM content WHERE history_id = ? AND sequence_number <= ?`,
			historyID,
			seq-historydomain.MaxRetainedRevisions,
		)
		if result.Error != nil {
			return result.Error
		}
		evicted = result.RowsAffected

		return tx.Exec(`UPDATE history SET last_update = ? WHERE id = ?`, now, historyID).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return seq, evicted, nil
}

func (r *repo) ReadContent(ctx context.Context, db *gorm.DB, historyID snowflake.ID, seq *int) (*historydomain.Content, error) {
	stmt := db.WithContext(ctx).Where("history_id = ?", historyID)
	if seq != nil {
		stmt = stmt.Where("sequence_number = ?", *seq)
	} else {
		stmt = stmt.Order("sequence_number DESC")
	}

	var content historydomain.Content
	err := stmt.Take(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, historydomain.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}

func whereFolder(stmt *gorm.DB, folderID *snowflake.ID) *gorm.DB {
	if folderID == nil {
		return stmt.Where("folder_id IS NULL")
	}
	return stmt.Where("folder_id = ?", *folderID)
}
