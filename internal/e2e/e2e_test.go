package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/phraiz/phraiz/internal/cache"
	"github.com/phraiz/phraiz/internal/clock"
	"github.com/phraiz/phraiz/internal/config"
	"github.com/phraiz/phraiz/internal/history"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	"github.com/phraiz/phraiz/internal/member"
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	"github.com/phraiz/phraiz/internal/migration"
	"github.com/phraiz/phraiz/internal/observability"
	obslogger "github.com/phraiz/phraiz/internal/observability/logger"
	"github.com/phraiz/phraiz/internal/plan"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"github.com/phraiz/phraiz/internal/ratelimit"
	"github.com/phraiz/phraiz/internal/server"
	"github.com/phraiz/phraiz/internal/usage"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fx.App
	db      *gorm.DB
	members memberdomain.Service
	baseURL string
	httpSrv *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_ReserveCommitSummary(t *testing.T) {
	resetDatabase(t, env.db)
	memberID := "e2e-quota"

	var reservation usagedomain.Reservation
	status := call(t, http.MethodPost, "/api/v1/quota/check", memberID, map[string]any{"units": 400}, &reservation)
	if status != http.StatusOK {
		t.Fatalf("expected quota check 200, got %d", status)
	}
	if !reservation.Allowed || reservation.ReservationID == "" {
		t.Fatalf("expected an allowed reservation, got %+v", reservation)
	}

	commit := map[string]any{
		"units":          400,
		"actual_units":   350,
		"reservation_id": reservation.ReservationID,
		"month_key":      reservation.MonthKey,
	}
	var result usagedomain.CommitResult
	if status := call(t, http.MethodPost, "/api/v1/usage/commit", memberID, commit, &result); status != http.StatusOK {
		t.Fatalf("expected commit 200, got %d", status)
	}
	if result.TotalUsed != 350 {
		t.Fatalf("expected total 350, got %d", result.TotalUsed)
	}

	// A retried commit of the same reservation is not charged twice.
	if status := call(t, http.MethodPost, "/api/v1/usage/commit", memberID, commit, &result); status != http.StatusOK {
		t.Fatalf("expected duplicate commit 200, got %d", status)
	}
	if !result.Duplicated || result.TotalUsed != 350 {
		t.Fatalf("expected duplicate with total 350, got %+v", result)
	}

	var summary usagedomain.Summary
	if status := call(t, http.MethodGet, "/api/v1/usage", memberID, nil, &summary); status != http.StatusOK {
		t.Fatalf("expected summary 200, got %d", status)
	}
	if summary.Used != 350 || summary.Plan != plandomain.PlanFree {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestE2E_QuotaExceeded(t *testing.T) {
	resetDatabase(t, env.db)
	memberID := "e2e-heavy"

	status := call(t, http.MethodPost, "/api/v1/quota/check", memberID, map[string]any{"units": 100_001}, nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}

	if _, err := env.members.SetPlan(context.Background(), memberID, plandomain.PlanPro); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	status = call(t, http.MethodPost, "/api/v1/quota/check", memberID, map[string]any{"units": 100_001}, nil)
	if status != http.StatusOK {
		t.Fatalf("expected pro member to pass, got %d", status)
	}
}

func TestE2E_HistoryRetention(t *testing.T) {
	resetDatabase(t, env.db)
	memberID := "e2e-writer"

	var created historydomain.AppendResult
	body := map[string]any{"payload": revision(1)}
	if status := call(t, http.MethodPost, "/api/v1/histories/paraphrase/revisions", memberID, body, &created); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	for i := 2; i <= 12; i++ {
		body := map[string]any{"history_id": created.HistoryID.String(), "payload": revision(i)}
		if status := call(t, http.MethodPost, "/api/v1/histories/paraphrase/revisions", memberID, body, nil); status != http.StatusOK {
			t.Fatalf("append %d: expected 200, got %d", i, status)
		}
	}

	base := "/api/v1/histories/paraphrase/" + created.HistoryID.String() + "/revisions/"

	var latest historydomain.Content
	if status := call(t, http.MethodGet, base+"latest", memberID, nil, &latest); status != http.StatusOK {
		t.Fatalf("expected latest 200, got %d", status)
	}
	if latest.SequenceNumber != 12 {
		t.Fatalf("expected latest seq 12, got %d", latest.SequenceNumber)
	}

	if status := call(t, http.MethodGet, base+"2", memberID, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected evicted revision 404, got %d", status)
	}
	if status := call(t, http.MethodGet, base+"3", memberID, nil, nil); status != http.StatusOK {
		t.Fatalf("expected oldest retained revision 200, got %d", status)
	}
	if status := call(t, http.MethodGet, base+"latest", "e2e-intruder", nil, nil); status != http.StatusForbidden {
		t.Fatalf("expected foreign read 403, got %d", status)
	}
}

func TestE2E_TestCleanup(t *testing.T) {
	resetDatabase(t, env.db)

	body := map[string]any{"payload": revision(1)}
	if status := call(t, http.MethodPost, "/api/v1/histories/summary/revisions", "tmp-a", body, nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if status := call(t, http.MethodPost, "/api/v1/usage/commit", "tmp-a", map[string]any{"units": 700}, nil); status != http.StatusOK {
		t.Fatalf("expected commit 200, got %d", status)
	}
	var summary usagedomain.Summary
	if status := call(t, http.MethodGet, "/api/v1/usage", "tmp-a", nil, &summary); status != http.StatusOK || summary.Used != 700 {
		t.Fatalf("expected 700 used before cleanup, got %d (%d)", summary.Used, status)
	}
	if status := call(t, http.MethodPost, "/internal/test/cleanup", "", map[string]any{"prefix": "tmp-"}, nil); status != http.StatusOK {
		t.Fatalf("expected cleanup 200, got %d", status)
	}

	// The warmed counter goes with the ledger rows.
	if status := call(t, http.MethodGet, "/api/v1/usage", "tmp-a", nil, &summary); status != http.StatusOK || summary.Used != 0 {
		t.Fatalf("expected usage reset after cleanup, got %d (%d)", summary.Used, status)
	}

	var remaining int64
	if err := env.db.Model(&historydomain.History{}).Where("member_id LIKE ?", "tmp-%").Count(&remaining).Error; err != nil {
		t.Fatalf("count histories: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected cleanup to remove histories, %d left", remaining)
	}
}

func startEnv() (*testEnv, error) {
	var (
		srv     *server.Server
		dbConn  *gorm.DB
		members memberdomain.Service
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(newTestDB),
		fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(1) }),
		clock.Module,
		cache.Module,
		plan.Module,
		member.Module,
		usage.Module,
		history.Module,
		ratelimit.Module,
		migration.Module,
		server.Module,
		fx.Populate(&srv, &dbConn, &members),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	if err := app.Start(context.Background()); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())
	return &testEnv{
		app:     app,
		db:      dbConn,
		members: members,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
	}, nil
}

func newTestDB() (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open("file:e2e?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("HTTP_ADDR", "127.0.0.1:0")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("OTEL_ENABLED", "false")
	setEnvIfEmpty("REDIS_ENABLED", "false")
	setEnvIfEmpty("RATE_LIMIT_ENABLED", "false")
	setEnvIfEmpty("USAGE_TIMEZONE", "UTC")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	for _, table := range []string{"content", "history", "usage_ledger", "members"} {
		if err := dbConn.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

func revision(i int) map[string]any {
	return map[string]any{
		"original_text": fmt.Sprintf("original %d", i),
		"result_text":   fmt.Sprintf("result %d", i),
		"mode":          "standard",
	}
}

func call(t *testing.T, method, path, memberID string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, env.baseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if memberID != "" {
		req.Header.Set(obslogger.MemberHeader, memberID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
