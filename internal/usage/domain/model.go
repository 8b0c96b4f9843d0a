// Package domain contains the monthly usage ledger model and the contracts
// of the two storage tiers that mirror it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord is the authoritative consumption counter for one member and month.
type UsageRecord struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	MemberID  string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_ledger_member_month"`
	MonthKey  string       `gorm:"type:varchar(7);not null;uniqueIndex:ux_usage_ledger_member_month"`
	UsedUnits int64        `gorm:"not null;default:0"`
	Version   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_ledger" }
