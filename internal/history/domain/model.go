// Package domain describes member histories and the bounded revision log
// kept for each of them.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MaxRetainedRevisions is how many revisions a history keeps; older ones
// are evicted by the append that pushes them out.
const MaxRetainedRevisions = 10

type Kind string

const (
	KindParaphrase Kind = "paraphrase"
	KindSummary    Kind = "summary"
	KindCite       Kind = "cite"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindParaphrase, KindSummary, KindCite:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}

func (k Kind) String() string { return string(k) }

type History struct {
	ID         snowflake.ID  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	MemberID   string        `gorm:"type:varchar(64);not null;index:ix_history_member_kind_created,priority:1" json:"member_id"`
	Kind       Kind          `gorm:"type:varchar(16);not null;index:ix_history_member_kind_created,priority:2" json:"kind"`
	FolderID   *snowflake.ID `json:"folder_id,omitempty"`
	Name       string        `gorm:"type:varchar(255);not null" json:"name"`
	NameKey    string        `gorm:"type:varchar(255);not null" json:"-"`
	CreatedAt  time.Time     `gorm:"not null;index:ix_history_member_kind_created,priority:3" json:"created_at"`
	LastUpdate time.Time     `gorm:"not null" json:"last_update"`
}

func (History) TableName() string { return "history" }

type Content struct {
	ID             snowflake.ID      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	HistoryID      snowflake.ID      `gorm:"not null;uniqueIndex:ux_content_history_seq,priority:1" json:"history_id"`
	SequenceNumber int               `gorm:"not null;uniqueIndex:ux_content_history_seq,priority:2" json:"sequence_number"`
	OriginalText   string            `gorm:"type:text;not null" json:"original_text"`
	ResultText     string            `gorm:"type:text;not null" json:"result_text"`
	Mode           string            `gorm:"type:varchar(32)" json:"mode"`
	Scale          *int              `json:"scale,omitempty"`
	CustomMode     *string           `gorm:"type:varchar(255)" json:"custom_mode,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`

	History *History `gorm:"foreignKey:HistoryID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Content) TableName() string { return "content" }

// Payload is the body of one revision.
type Payload struct {
	OriginalText string         `json:"original_text"`
	ResultText   string         `json:"result_text"`
	Mode         string         `json:"mode"`
	Scale        *int           `json:"scale,omitempty"`
	CustomMode   *string        `json:"custom_mode,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
