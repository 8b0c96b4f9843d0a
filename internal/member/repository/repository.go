package repository

import (
	"context"

	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	"github.com/phraiz/phraiz/pkg/repository"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, memberID string) (*memberdomain.Member, error)
	Save(ctx context.Context, db *gorm.DB, member *memberdomain.Member) error
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, memberID string) (*memberdomain.Member, error) {
	return repository.ProvideStore[memberdomain.Member](db).
		FindOne(ctx, &memberdomain.Member{MemberID: memberID})
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, member *memberdomain.Member) error {
	return repository.ProvideStore[memberdomain.Member](db).
		Upsert(ctx, member, "member_id", "plan_id", "updated_at")
}
