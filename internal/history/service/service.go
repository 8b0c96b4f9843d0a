package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	obsmetrics "github.com/phraiz/phraiz/internal/observability/metrics"
	"github.com/phraiz/phraiz/internal/plan"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"github.com/phraiz/phraiz/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultNameLayout = "060102"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       historydomain.Repository
	Plans      *plan.Registry
	Members    memberdomain.PlanLookup
	Clock      clock.Clock
	Config     config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       historydomain.Repository
	plans      *plan.Registry
	members    memberdomain.PlanLookup
	clock      clock.Clock
	loc        *time.Location
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) historydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("history.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		plans:      p.Plans,
		members:    p.Members,
		clock:      p.Clock,
		loc:        p.Config.Location(),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateHistory(
	ctx context.Context,
	memberID string,
	kind historydomain.Kind,
	folderID *snowflake.ID,
	name string,
) (*historydomain.History, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, historydomain.ErrInvalidMember
	}
	kind, err := historydomain.ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	planID, err := s.planOf(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.createHistory(ctx, s.db, planID, memberID, kind, folderID, name)
}

func (s *Service) createHistory(
	ctx context.Context,
	db *gorm.DB,
	planID plandomain.PlanID,
	memberID string,
	kind historydomain.Kind,
	folderID *snowflake.ID,
	name string,
) (*historydomain.History, error) {
	existing, err := s.repo.CountHistories(ctx, db, memberID, kind)
	if err != nil {
		return nil, historydomain.Internal("count histories", err)
	}
	if err := s.plans.Gate().CheckHistoryCount(planID, existing); err != nil {
		s.log.Info("history limit reached",
			zap.String("member_id", memberID),
			zap.String("plan", planID.String()),
			zap.String("kind", kind.String()),
			zap.Int64("existing", existing),
		)
		return nil, err
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()

	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultName(now.In(s.loc), kind, id)
	} else if err := s.ensureNameFree(ctx, db, memberID, kind, folderID, nameKey(name, id), 0); err != nil {
		return nil, err
	}

	history := &historydomain.History{
		ID:         id,
		MemberID:   memberID,
		Kind:       kind,
		FolderID:   folderID,
		Name:       name,
		NameKey:    nameKey(name, id),
		CreatedAt:  now,
		LastUpdate: now,
	}
	if err := s.repo.CreateHistory(ctx, db, history); err != nil {
		return nil, historydomain.Internal("create history", err)
	}
	return history, nil
}

func (s *Service) AppendRevision(ctx context.Context, req historydomain.AppendRequest) (historydomain.AppendResult, error) {
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		return historydomain.AppendResult{}, historydomain.ErrInvalidMember
	}
	kind, err := historydomain.ParseKind(string(req.Kind))
	if err != nil {
		return historydomain.AppendResult{}, err
	}
	if strings.TrimSpace(req.Payload.OriginalText) == "" {
		return historydomain.AppendResult{}, historydomain.ErrInvalidPayload
	}

	planID, err := s.planOf(ctx, memberID)
	if err != nil {
		return historydomain.AppendResult{}, err
	}
	if err := s.plans.Gate().CheckMode(planID, kind.String(), req.Payload.Mode); err != nil {
		return historydomain.AppendResult{}, err
	}

	result := historydomain.AppendResult{}
	var evicted int64
	if req.HistoryID == nil {
		// A new history and its first revision land together or not at all.
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			history, err := s.createHistory(ctx, tx, planID, memberID, kind, req.FolderID, req.Name)
			if err != nil {
				return err
			}
			result.HistoryID = history.ID
			result.SequenceNumber, evicted, err = s.appendContent(ctx, tx, history.ID, req.Payload)
			return err
		})
		if err != nil {
			return historydomain.AppendResult{}, err
		}
		result.Created = true
	} else {
		history, err := s.ownedHistory(ctx, *req.HistoryID, memberID, kind, "append_revision")
		if err != nil {
			return historydomain.AppendResult{}, err
		}
		result.HistoryID = history.ID
		result.SequenceNumber, evicted, err = s.appendContent(ctx, s.db, history.ID, req.Payload)
		if err != nil {
			return historydomain.AppendResult{}, err
		}
	}

	s.obsMetrics.RecordRevisionAppended(ctx, kind.String(), evicted)
	return result, nil
}

func (s *Service) appendContent(
	ctx context.Context,
	db *gorm.DB,
	historyID snowflake.ID,
	payload historydomain.Payload,
) (int, int64, error) {
	seq, evicted, err := s.repo.AppendContent(ctx, db, historyID, payload)
	if err != nil {
		if errors.Is(err, historydomain.ErrHistoryNotFound) {
			return 0, 0, err
		}
		return 0, 0, historydomain.Internal("append revision", err)
	}
	return seq, evicted, nil
}

func (s *Service) GetRevision(
	ctx context.Context,
	kind historydomain.Kind,
	historyID snowflake.ID,
	memberID string,
	seq *int,
) (*historydomain.Content, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, historydomain.ErrInvalidMember
	}
	kind, err := historydomain.ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	if seq != nil && *seq < 1 {
		return nil, historydomain.ErrContentNotFound
	}

	if _, err := s.ownedHistory(ctx, historyID, memberID, kind, "get_revision"); err != nil {
		return nil, err
	}

	content, err := s.repo.ReadContent(ctx, s.db, historyID, seq)
	if err != nil {
		if errors.Is(err, historydomain.ErrContentNotFound) {
			return nil, err
		}
		return nil, historydomain.Internal("read revision", err)
	}
	return content, nil
}

func (s *Service) ListHistories(ctx context.Context, req historydomain.ListRequest) (historydomain.ListResponse, error) {
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		return historydomain.ListResponse{}, historydomain.ErrInvalidMember
	}
	kind, err := historydomain.ParseKind(string(req.Kind))
	if err != nil {
		return historydomain.ListResponse{}, err
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Limit()
	filter := historydomain.ListFilter{
		MemberID: memberID,
		Kind:     kind,
		FolderID: req.FolderID,
		Limit:    limit + 1,
	}
	if page.PageToken != "" {
		createdAt, id, err := decodeCursor(page.PageToken)
		if err != nil {
			return historydomain.ListResponse{}, err
		}
		filter.CursorCreatedAt = &createdAt
		filter.CursorID = id
	}

	rows, err := s.repo.ListHistories(ctx, s.db, filter)
	if err != nil {
		return historydomain.ListResponse{}, historydomain.Internal("list histories", err)
	}

	histories, info, err := pagination.BuildCursorPage(rows, limit, func(h *historydomain.History) pagination.Cursor {
		return pagination.Cursor{
			ID:        h.ID.String(),
			CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return historydomain.ListResponse{}, fmt.Errorf("encode page token: %w", err)
	}
	if histories == nil {
		histories = []*historydomain.History{}
	}
	return historydomain.ListResponse{Histories: histories, PageInfo: info}, nil
}

func (s *Service) UpdateHistory(ctx context.Context, req historydomain.UpdateRequest) (*historydomain.History, error) {
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		return nil, historydomain.ErrInvalidMember
	}

	kind, err := historydomain.ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}

	history, err := s.ownedHistory(ctx, req.HistoryID, memberID, kind, "update_history")
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	name, key, folderID := history.Name, history.NameKey, history.FolderID
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, historydomain.ErrInvalidName
		}
		key = nameKey(name, history.ID)
		updates["name"] = name
		updates["name_key"] = key
	}
	if req.MoveFolder {
		folderID = req.FolderID
		updates["folder_id"] = folderID
	}
	if len(updates) == 0 {
		return history, nil
	}

	if err := s.ensureNameFree(ctx, s.db, memberID, history.Kind, folderID, key, history.ID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	updates["last_update"] = now
	if err := s.repo.UpdateHistory(ctx, s.db, history.ID, updates); err != nil {
		if errors.Is(err, historydomain.ErrHistoryNotFound) {
			return nil, err
		}
		return nil, historydomain.Internal("update history", err)
	}

	history.Name = name
	history.NameKey = key
	history.FolderID = folderID
	history.LastUpdate = now
	return history, nil
}

func (s *Service) DeleteHistory(ctx context.Context, kind historydomain.Kind, historyID snowflake.ID, memberID string) error {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return historydomain.ErrInvalidMember
	}
	kind, err := historydomain.ParseKind(string(kind))
	if err != nil {
		return err
	}
	if _, err := s.ownedHistory(ctx, historyID, memberID, kind, "delete_history"); err != nil {
		return err
	}
	if err := s.repo.DeleteHistory(ctx, s.db, historyID); err != nil {
		if errors.Is(err, historydomain.ErrHistoryNotFound) {
			return err
		}
		return historydomain.Internal("delete history", err)
	}
	return nil
}

// ownedHistory loads a history and rejects callers that do not own it. A
// history of another kind is reported as missing.
func (s *Service) ownedHistory(
	ctx context.Context,
	historyID snowflake.ID,
	memberID string,
	kind historydomain.Kind,
	op string,
) (*historydomain.History, error) {
	history, err := s.repo.FindHistory(ctx, s.db, historyID)
	if err != nil {
		return nil, historydomain.Internal("find history", err)
	}
	if history == nil {
		return nil, historydomain.ErrHistoryNotFound
	}
	if history.MemberID != memberID {
		s.log.Warn("security.ownership_violation",
			zap.String("operation", op),
			zap.String("member_id", memberID),
			zap.String("history_id", historyID.String()),
		)
		s.obsMetrics.RecordOwnershipViolation(ctx, op)
		return nil, historydomain.ErrOwnershipViolation
	}
	if history.Kind != kind {
		return nil, historydomain.ErrHistoryNotFound
	}
	return history, nil
}

func (s *Service) ensureNameFree(
	ctx context.Context,
	db *gorm.DB,
	memberID string,
	kind historydomain.Kind,
	folderID *snowflake.ID,
	key string,
	exclude snowflake.ID,
) error {
	taken, err := s.repo.NameTaken(ctx, db, memberID, kind, folderID, key, exclude)
	if err != nil {
		return historydomain.Internal("check history name", err)
	}
	if taken {
		return historydomain.ErrHistoryNameExists
	}
	return nil
}

func (s *Service) planOf(ctx context.Context, memberID string) (plandomain.PlanID, error) {
	planID, err := s.members.GetPlan(ctx, memberID)
	if err != nil {
		if errors.Is(err, memberdomain.ErrInvalidMember) {
			return "", historydomain.ErrInvalidMember
		}
		return "", historydomain.Internal("resolve member plan", err)
	}
	return planID, nil
}

func defaultName(now time.Time, kind historydomain.Kind, id snowflake.ID) string {
	return fmt.Sprintf("%s-%s-%s", now.Format(defaultNameLayout), kind, id.String())
}

// nameKey folds a display name for duplicate detection. Names with no
// sluggable characters never collide.
func nameKey(name string, id snowflake.ID) string {
	if key := slug.Make(name); key != "" {
		return key
	}
	return "history-" + id.String()
}

func decodeCursor(token string) (time.Time, snowflake.ID, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return time.Time{}, 0, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil {
		return time.Time{}, 0, pagination.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return time.Time{}, 0, pagination.ErrInvalidPageToken
	}
	return createdAt, id, nil
}
