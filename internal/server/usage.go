package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/phraiz/phraiz/internal/tokenizer"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
)

type quotaCheckRequest struct {
	Units *int64 `json:"units"`
	// Text is estimated server side when the caller has no unit count yet.
	Text string `json:"text"`
}

type commitUsageRequest struct {
	Units         int64  `json:"units"`
	ActualUnits   *int64 `json:"actual_units"`
	ReservationID string `json:"reservation_id"`
	MonthKey      string `json:"month_key"`
}

func (s *Server) CheckQuota(c *gin.Context) {
	var req quotaCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var units int64
	switch {
	case req.Units != nil:
		units = *req.Units
	case strings.TrimSpace(req.Text) != "":
		units = tokenizer.EstimateUnits(req.Text)
	default:
		AbortWithError(c, newValidationError("units", "required", "units or text is required"))
		return
	}

	reservation, err := s.usagesvc.CheckAndReserve(c.Request.Context(), memberIDFromContext(c), units)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservation)
}

// CommitUsage charges the units the work actually consumed. Callers that
// only know their estimate send it as units.
func (s *Server) CommitUsage(c *gin.Context) {
	var req commitUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	units := req.Units
	if req.ActualUnits != nil {
		units = *req.ActualUnits
	}

	result, err := s.usagesvc.CommitUsage(c.Request.Context(), usagedomain.CommitRequest{
		MemberID:      memberIDFromContext(c),
		Units:         units,
		ReservationID: strings.TrimSpace(req.ReservationID),
		MonthKey:      strings.TrimSpace(req.MonthKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	summary, err := s.usagesvc.Summary(c.Request.Context(), memberIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
