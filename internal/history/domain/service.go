package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/phraiz/phraiz/pkg/db/pagination"
)

type AppendRequest struct {
	// HistoryID nil creates a new history.
	HistoryID *snowflake.ID
	MemberID  string
	Kind      Kind
	FolderID  *snowflake.ID
	Name      string
	Payload   Payload
}

type AppendResult struct {
	HistoryID      snowflake.ID `json:"history_id"`
	SequenceNumber int          `json:"sequence_number"`
	Created        bool         `json:"created"`
}

type ListRequest struct {
	MemberID  string
	Kind      Kind
	FolderID  *snowflake.ID
	PageToken string
	PageSize  int
}

type ListResponse struct {
	Histories []*History          `json:"histories"`
	PageInfo  pagination.PageInfo `json:"page_info"`
}

type UpdateRequest struct {
	HistoryID snowflake.ID
	MemberID  string
	Kind      Kind
	Name      *string
	// MoveFolder applies FolderID, which may be nil to move to the root.
	MoveFolder bool
	FolderID   *snowflake.ID
}

type Service interface {
	CreateHistory(ctx context.Context, memberID string, kind Kind, folderID *snowflake.ID, name string) (*History, error)
	AppendRevision(ctx context.Context, req AppendRequest) (AppendResult, error)
	// GetRevision, UpdateHistory and DeleteHistory report ErrHistoryNotFound
	// when the history exists under another kind.
	GetRevision(ctx context.Context, kind Kind, historyID snowflake.ID, memberID string, seq *int) (*Content, error)
	ListHistories(ctx context.Context, req ListRequest) (ListResponse, error)
	UpdateHistory(ctx context.Context, req UpdateRequest) (*History, error)
	DeleteHistory(ctx context.Context, kind Kind, historyID snowflake.ID, memberID string) error
}
