package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
)

type appendRevisionRequest struct {
	HistoryID string                `json:"history_id"`
	FolderID  string                `json:"folder_id"`
	Name      string                `json:"name"`
	Payload   historydomain.Payload `json:"payload"`
}

type updateHistoryRequest struct {
	Name *string `json:"name"`
	// FolderID moves the history when present; an empty string moves it to the root.
	FolderID *string `json:"folder_id"`
}

func (s *Server) AppendRevision(c *gin.Context) {
	kind, err := historydomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req appendRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	historyID, err := snowflakeField("history_id", req.HistoryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	folderID, err := snowflakeField("folder_id", req.FolderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.historySvc.AppendRevision(c.Request.Context(), historydomain.AppendRequest{
		HistoryID: historyID,
		MemberID:  memberIDFromContext(c),
		Kind:      kind,
		FolderID:  folderID,
		Name:      strings.TrimSpace(req.Name),
		Payload:   req.Payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (s *Server) ListHistories(c *gin.Context) {
	kind, err := historydomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	folderID, err := snowflakeField("folder_id", c.Query("folder_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pageSize, err := pageSizeQuery(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.historySvc.ListHistories(c.Request.Context(), historydomain.ListRequest{
		MemberID:  memberIDFromContext(c),
		Kind:      kind,
		FolderID:  folderID,
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(c.Query("page_token")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetLatestRevision(c *gin.Context) {
	s.getRevision(c, nil)
}

func (s *Server) GetRevision(c *gin.Context) {
	seq, err := strconv.Atoi(strings.TrimSpace(c.Param("seq")))
	if err != nil {
		AbortWithError(c, newValidationError("seq", "invalid_seq", "invalid sequence number"))
		return
	}
	s.getRevision(c, &seq)
}

func (s *Server) getRevision(c *gin.Context, seq *int) {
	kind, err := historydomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	historyID, ok := historyIDParam(c)
	if !ok {
		return
	}

	content, err := s.historySvc.GetRevision(c.Request.Context(), kind, historyID, memberIDFromContext(c), seq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, content)
}

func (s *Server) UpdateHistory(c *gin.Context) {
	kind, err := historydomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	historyID, ok := historyIDParam(c)
	if !ok {
		return
	}

	var req updateHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	update := historydomain.UpdateRequest{
		HistoryID: historyID,
		MemberID:  memberIDFromContext(c),
		Kind:      kind,
		Name:      req.Name,
	}
	if req.FolderID != nil {
		folderID, err := snowflakeField("folder_id", *req.FolderID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		update.MoveFolder = true
		update.FolderID = folderID
	}

	history, err := s.historySvc.UpdateHistory(c.Request.Context(), update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

func (s *Server) DeleteHistory(c *gin.Context) {
	kind, err := historydomain.ParseKind(c.Param("kind"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	historyID, ok := historyIDParam(c)
	if !ok {
		return
	}

	if err := s.historySvc.DeleteHistory(c.Request.Context(), kind, historyID, memberIDFromContext(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func historyIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflakeField("id", c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid history id"))
		return 0, false
	}
	return *id, true
}
