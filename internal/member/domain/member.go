package domain

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
)

// Member is the local projection of an account and the plan it pays for.
type Member struct {
	MemberID  string            `gorm:"primaryKey;column:member_id;type:varchar(64)" json:"member_id"`
	PlanID    plandomain.PlanID `gorm:"column:plan_id;type:varchar(16);not null" json:"plan_id"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`
}

func (Member) TableName() string { return "members" }

// PlanLookup resolves the plan a member is currently on.
type PlanLookup interface {
	GetPlan(ctx context.Context, memberID string) (plandomain.PlanID, error)
}

type Service interface {
	PlanLookup
	SetPlan(ctx context.Context, memberID string, plan plandomain.PlanID) (*Member, error)
}

var (
	ErrInvalidMember = errors.New("invalid_member")
	ErrInvalidPlan   = errors.New("invalid_plan")
)
