package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/phraiz/phraiz/internal/config"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	obslogger "github.com/phraiz/phraiz/internal/observability/logger"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"github.com/phraiz/phraiz/internal/ratelimit"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/phraiz/phraiz/pkg/db/pagination"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsageService struct {
	reserveErr  error
	commitErr   error
	lastMember  string
	lastUnits   int64
	lastCommit  usagedomain.CommitRequest
	summaryUsed int64
}

func (f *fakeUsageService) RemainingUnits(context.Context, string, plandomain.Policy, int64) (plandomain.Decision, error) {
	return plandomain.Decision{}, nil
}

func (f *fakeUsageService) RecordConsumption(context.Context, string, string, int64) (int64, error) {
	return 0, nil
}

func (f *fakeUsageService) CheckAndReserve(_ context.Context, memberID string, units int64) (usagedomain.Reservation, error) {
	f.lastMember = memberID
	f.lastUnits = units
	if f.reserveErr != nil {
		return usagedomain.Reservation{}, f.reserveErr
	}
	return usagedomain.Reservation{
		ReservationID: "res-1",
		MemberID:      memberID,
		MonthKey:      "2025-09",
		Allowed:       true,
		Requested:     units,
		Remaining:     100 - units,
	}, nil
}

func (f *fakeUsageService) CommitUsage(_ context.Context, req usagedomain.CommitRequest) (usagedomain.CommitResult, error) {
	f.lastCommit = req
	if f.commitErr != nil {
		return usagedomain.CommitResult{}, f.commitErr
	}
	return usagedomain.CommitResult{MemberID: req.MemberID, MonthKey: "2025-09", Committed: req.Units, TotalUsed: req.Units}, nil
}

func (f *fakeUsageService) Summary(_ context.Context, memberID string) (usagedomain.Summary, error) {
	return usagedomain.Summary{MemberID: memberID, Used: f.summaryUsed}, nil
}

func (f *fakeUsageService) LedgerUsage(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (f *fakeUsageService) Resync(context.Context, string, string) error { return nil }

type fakeHistoryService struct {
	appendErr  error
	getErr     error
	lastAppend historydomain.AppendRequest
	lastUpdate historydomain.UpdateRequest
	lastList   historydomain.ListRequest
	lastSeq    *int
	lastKind   historydomain.Kind
	deleted    []snowflake.ID
	// kindOf pins stored histories to a kind; other kinds read as missing.
	kindOf map[snowflake.ID]historydomain.Kind
}

func (f *fakeHistoryService) lookup(kind historydomain.Kind, historyID snowflake.ID) error {
	f.lastKind = kind
	if stored, ok := f.kindOf[historyID]; ok && stored != kind {
		return historydomain.ErrHistoryNotFound
	}
	return nil
}

func (f *fakeHistoryService) CreateHistory(context.Context, string, historydomain.Kind, *snowflake.ID, string) (*historydomain.History, error) {
	return &historydomain.History{}, nil
}

func (f *fakeHistoryService) AppendRevision(_ context.Context, req historydomain.AppendRequest) (historydomain.AppendResult, error) {
	f.lastAppend = req
	if f.appendErr != nil {
		return historydomain.AppendResult{}, f.appendErr
	}
	if req.HistoryID == nil {
		return historydomain.AppendResult{HistoryID: 42, SequenceNumber: 1, Created: true}, nil
	}
	return historydomain.AppendResult{HistoryID: *req.HistoryID, SequenceNumber: 2}, nil
}

func (f *fakeHistoryService) GetRevision(
	_ context.Context,
	kind historydomain.Kind,
	historyID snowflake.ID,
	_ string,
	seq *int,
) (*historydomain.Content, error) {
	f.lastSeq = seq
	if err := f.lookup(kind, historyID); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &historydomain.Content{HistoryID: historyID, SequenceNumber: 7, ResultText: "done"}, nil
}

func (f *fakeHistoryService) ListHistories(_ context.Context, req historydomain.ListRequest) (historydomain.ListResponse, error) {
	f.lastList = req
	return historydomain.ListResponse{}, nil
}

func (f *fakeHistoryService) UpdateHistory(_ context.Context, req historydomain.UpdateRequest) (*historydomain.History, error) {
	f.lastUpdate = req
	if err := f.lookup(req.Kind, req.HistoryID); err != nil {
		return nil, err
	}
	return &historydomain.History{ID: req.HistoryID}, nil
}

func (f *fakeHistoryService) DeleteHistory(_ context.Context, kind historydomain.Kind, historyID snowflake.ID, _ string) error {
	if err := f.lookup(kind, historyID); err != nil {
		return err
	}
	f.deleted = append(f.deleted, historyID)
	return nil
}

func newTestServer(t *testing.T, usage *fakeUsageService, history *fakeHistoryService, limiter *ratelimit.MemberLimiter) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	return NewServer(ServerParams{
		Gin:        engine,
		Cfg:        config.Config{Environment: "test"},
		Usagesvc:   usage,
		HistorySvc: history,
		Limiter:    limiter,
	})
}

func do(t *testing.T, srv *Server, method, path, memberID, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if memberID != "" {
		req.Header.Set(obslogger.MemberHeader, memberID)
	}
	resp := httptest.NewRecorder()
	srv.Engine().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestMemberHeaderRequired(t *testing.T) {
	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/usage", "", "")

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", decodeError(t, resp).Type)
}

func TestCheckQuotaEstimatesText(t *testing.T) {
	usage := &fakeUsageService{}
	srv := newTestServer(t, usage, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/quota/check", "m1", `{"text":"hello world!"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "m1", usage.lastMember)
	assert.Equal(t, int64(3), usage.lastUnits)

	var reservation usagedomain.Reservation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &reservation))
	assert.Equal(t, "res-1", reservation.ReservationID)
	assert.True(t, reservation.Allowed)
}

func TestCheckQuotaRequiresUnitsOrText(t *testing.T) {
	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/quota/check", "m1", `{}`)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", decodeError(t, resp).Type)
}

func TestCheckQuotaExceeded(t *testing.T) {
	usage := &fakeUsageService{reserveErr: &usagedomain.QuotaExceededError{
		MemberID:  "m1",
		Plan:      plandomain.PlanFree,
		Requested: 50,
		Remaining: 10,
	}}
	srv := newTestServer(t, usage, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/quota/check", "m1", `{"units":50}`)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	payload := decodeError(t, resp)
	assert.Equal(t, "quota_exceeded", payload.Type)
	assert.EqualValues(t, 10, payload.Details["remaining"])
	assert.EqualValues(t, 50, payload.Details["requested"])
}

func TestCommitUsagePrefersActualUnits(t *testing.T) {
	usage := &fakeUsageService{}
	srv := newTestServer(t, usage, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/usage/commit", "m1",
		`{"units":40,"actual_units":32,"reservation_id":" res-1 ","month_key":"2025-09"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, usagedomain.CommitRequest{
		MemberID:      "m1",
		Units:         32,
		ReservationID: "res-1",
		MonthKey:      "2025-09",
	}, usage.lastCommit)

	resp = do(t, srv, http.MethodPost, "/api/v1/usage/commit", "m1", `{"units":40}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(40), usage.lastCommit.Units)
}

func TestCommitUsageStoreOutageIsUnavailable(t *testing.T) {
	usage := &fakeUsageService{commitErr: usagedomain.Internal("increment usage", fmt.Errorf("dial tcp: refused"))}
	srv := newTestServer(t, usage, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/usage/commit", "m1", `{"units":1}`)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.NotContains(t, resp.Body.String(), "dial tcp")
}

func TestAppendRevisionCreatesHistory(t *testing.T) {
	history := &fakeHistoryService{}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodPost, "/api/v1/histories/paraphrase/revisions", "m1",
		`{"folder_id":"77","payload":{"original_text":"a","result_text":"b","mode":"standard"}}`)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, historydomain.KindParaphrase, history.lastAppend.Kind)
	assert.Nil(t, history.lastAppend.HistoryID)
	require.NotNil(t, history.lastAppend.FolderID)
	assert.Equal(t, snowflake.ID(77), *history.lastAppend.FolderID)
	assert.Equal(t, "b", history.lastAppend.Payload.ResultText)

	resp = do(t, srv, http.MethodPost, "/api/v1/histories/paraphrase/revisions", "m1",
		`{"history_id":"42","payload":{"original_text":"a","result_text":"c"}}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAppendRevisionMapsPlanErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{plandomain.ErrHistoryCountExceeded, http.StatusForbidden, "history_limit_exceeded"},
		{plandomain.ErrModeNotAllowed, http.StatusForbidden, "plan_mode_not_allowed"},
		{historydomain.ErrOwnershipViolation, http.StatusForbidden, "forbidden"},
		{historydomain.ErrHistoryNotFound, http.StatusNotFound, "not_found"},
		{historydomain.ErrInvalidPayload, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{appendErr: tc.err}, nil)

			resp := do(t, srv, http.MethodPost, "/api/v1/histories/summary/revisions", "m1", `{"payload":{}}`)

			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, tc.kind, decodeError(t, resp).Type)
		})
	}
}

func TestUnknownKindIsRejected(t *testing.T) {
	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{}, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/poem", "m1", "")

	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_kind", payload.Errors[0].Code)
}

func TestGetRevisionRoutes(t *testing.T) {
	history := &fakeHistoryService{}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/latest", "m1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Nil(t, history.lastSeq)

	resp = do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/3", "m1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, history.lastSeq)
	assert.Equal(t, 3, *history.lastSeq)

	resp = do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/three", "m1", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, srv, http.MethodGet, "/api/v1/histories/cite/abc/revisions/latest", "m1", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetRevisionOfForeignHistoryIsForbidden(t *testing.T) {
	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{getErr: historydomain.ErrOwnershipViolation}, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/latest", "intruder", "")

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestEvictedRevisionIsNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{getErr: historydomain.ErrContentNotFound}, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/3", "m1", "")

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestListHistoriesPassesPaging(t *testing.T) {
	history := &fakeHistoryService{}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/summary?page_size=5&page_token=abc&folder_id=9", "m1", "")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 5, history.lastList.PageSize)
	assert.Equal(t, "abc", history.lastList.PageToken)
	require.NotNil(t, history.lastList.FolderID)
	assert.Equal(t, snowflake.ID(9), *history.lastList.FolderID)
}

func TestUpdateHistoryMoveToRoot(t *testing.T) {
	history := &fakeHistoryService{}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodPatch, "/api/v1/histories/paraphrase/42", "m1", `{"folder_id":""}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, history.lastUpdate.MoveFolder)
	assert.Nil(t, history.lastUpdate.FolderID)
	assert.Nil(t, history.lastUpdate.Name)

	resp = do(t, srv, http.MethodPatch, "/api/v1/histories/paraphrase/42", "m1", `{"name":"draft"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, history.lastUpdate.MoveFolder)
	require.NotNil(t, history.lastUpdate.Name)
	assert.Equal(t, "draft", *history.lastUpdate.Name)
}

func TestDeleteHistory(t *testing.T) {
	history := &fakeHistoryService{}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodDelete, "/api/v1/histories/paraphrase/42", "m1", "")

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []snowflake.ID{42}, history.deleted)
	assert.Equal(t, historydomain.KindParaphrase, history.lastKind)
}

func TestHistoryRoutesRejectKindMismatch(t *testing.T) {
	history := &fakeHistoryService{kindOf: map[snowflake.ID]historydomain.Kind{42: historydomain.KindParaphrase}}
	srv := newTestServer(t, &fakeUsageService{}, history, nil)

	resp := do(t, srv, http.MethodGet, "/api/v1/histories/cite/42/revisions/latest", "m1", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, historydomain.KindCite, history.lastKind)

	resp = do(t, srv, http.MethodPatch, "/api/v1/histories/summary/42", "m1", `{"name":"draft"}`)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, historydomain.KindSummary, history.lastUpdate.Kind)

	resp = do(t, srv, http.MethodDelete, "/api/v1/histories/cite/42", "m1", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Empty(t, history.deleted)

	resp = do(t, srv, http.MethodGet, "/api/v1/histories/paraphrase/42/revisions/latest", "m1", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMemberRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewMemberLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled:     true,
		MemberRate:  0.5,
		MemberBurst: 1,
	}}, client)
	require.NoError(t, err)

	srv := newTestServer(t, &fakeUsageService{}, &fakeHistoryService{}, limiter)

	resp := do(t, srv, http.MethodPost, "/api/v1/quota/check", "m1", `{"units":1}`)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, srv, http.MethodPost, "/api/v1/quota/check", "m1", `{"units":1}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "rate_limited", decodeError(t, resp).Type)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))

	resp = do(t, srv, http.MethodPost, "/api/v1/quota/check", "m2", `{"units":1}`)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMapErrorCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{pagination.ErrInvalidPageToken, http.StatusBadRequest},
		{usagedomain.ErrInvalidMonthKey, http.StatusBadRequest},
		{historydomain.ErrHistoryNameExists, http.StatusConflict},
		{historydomain.Internal("append", fmt.Errorf("deadlock")), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}

	errType, code := classifyErrorForLog(pagination.ErrInvalidPageToken)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_page_token", code)
}
