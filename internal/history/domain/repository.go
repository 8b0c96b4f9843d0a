package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ListFilter selects one page of a member's histories of one kind.
type ListFilter struct {
	MemberID string
	Kind     Kind
	// FolderID nil lists the root folder.
	FolderID *snowflake.ID
	// Cursor is exclusive: rows strictly older than (CursorCreatedAt, CursorID).
	CursorCreatedAt *time.Time
	CursorID        snowflake.ID
	Limit           int
}

type Repository interface {
	CreateHistory(ctx context.Context, db *gorm.DB, history *History) error
	FindHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID) (*History, error)
	CountHistories(ctx context.Context, db *gorm.DB, memberID string, kind Kind) (int64, error)
	ListHistories(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*History, error)
	// NameTaken reports whether another history in the same folder uses nameKey.
	NameTaken(ctx context.Context, db *gorm.DB, memberID string, kind Kind, folderID *snowflake.ID, nameKey string, exclude snowflake.ID) (bool, error)
	UpdateHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID, updates map[string]any) error
	DeleteHistory(ctx context.Context, db *gorm.DB, historyID snowflake.ID) error

	// AppendContent stores the next revision and evicts revisions that fall
	// out of the retention window, all in one transaction.
	AppendContent(ctx context.Context, db *gorm.DB, historyID snowflake.ID, payload Payload) (seq int, evicted int64, err error)
	// ReadContent returns revision seq, or the latest when seq is nil.
	ReadContent(ctx context.Context, db *gorm.DB, historyID snowflake.ID, seq *int) (*Content, error)
}
