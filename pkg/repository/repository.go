package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository is a thin generic gorm store for tables keyed by a single
// primary key column.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	// Upsert inserts resource or overwrites updateColumns on conflict.
	Upsert(ctx context.Context, resource *T, conflictColumn string, updateColumns ...string) error
	Count(ctx context.Context, query *T) (int64, error)
}

// QueryOption adjusts a query before it runs.
type QueryOption func(*gorm.DB) *gorm.DB

func WithLimit(n int) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Limit(n) }
}

func WithOrder(order string) QueryOption {
	return func(db *gorm.DB) *gorm.DB { return db.Order(order) }
}
