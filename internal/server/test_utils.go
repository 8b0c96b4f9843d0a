package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"gorm.io/gorm"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// TestCleanup removes every row owned by members whose id starts with prefix
// and drops their cached usage counters. End-to-end suites use it to reset
// their fixtures; production never routes it.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	like := prefix + "%"

	var counters []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("member_id", "month_key").
			Where("member_id LIKE ?", like).
			Find(&counters).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			`DELETE FROM content WHERE history_id IN (SELECT id FROM history WHERE member_id LIKE ?)`, like,
		).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM history WHERE member_id LIKE ?`, like).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM usage_ledger WHERE member_id LIKE ?`, like).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM members WHERE member_id LIKE ?`, like).Error
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// After the commit, so a concurrent read can only refill from the emptied ledger.
	for _, counter := range counters {
		if err := s.usagesvc.Resync(ctx, counter.MemberID, counter.MonthKey); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "counters_dropped": len(counters)})
}
