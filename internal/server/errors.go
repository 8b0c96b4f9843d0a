package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	historydomain "github.com/phraiz/phraiz/internal/history/domain"
	memberdomain "github.com/phraiz/phraiz/internal/member/domain"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	usagedomain "github.com/phraiz/phraiz/internal/usage/domain"
	"github.com/phraiz/phraiz/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	// Details carries machine-readable context, e.g. the remaining allowance on a quota denial.
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
	ErrMemberRequired     = errors.New("member_required")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var quotaErr *usagedomain.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly quota exceeded",
			Details: map[string]any{
				"plan":      quotaErr.Plan,
				"requested": quotaErr.Requested,
				"remaining": quotaErr.Remaining,
			},
		}
	case errors.Is(err, usagedomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly quota exceeded",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrMemberRequired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, plandomain.ErrHistoryCountExceeded):
		return http.StatusForbidden, errorPayload{
			Type:    "history_limit_exceeded",
			Message: "history limit reached for plan",
		}
	case errors.Is(err, plandomain.ErrModeNotAllowed):
		return http.StatusForbidden, errorPayload{
			Type:    "plan_mode_not_allowed",
			Message: "mode not available on current plan",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, historydomain.ErrOwnershipViolation):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, historydomain.ErrHistoryNameExists):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, usagedomain.ErrTransientStore),
		errors.Is(err, historydomain.ErrTransientStore):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger without leaking error text.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, usagedomain.ErrInvalidMember),
		errors.Is(err, usagedomain.ErrInvalidUnits),
		errors.Is(err, usagedomain.ErrInvalidMonthKey),
		errors.Is(err, memberdomain.ErrInvalidMember),
		errors.Is(err, memberdomain.ErrInvalidPlan),
		errors.Is(err, historydomain.ErrInvalidKind),
		errors.Is(err, historydomain.ErrInvalidMember),
		errors.Is(err, historydomain.ErrInvalidPayload),
		errors.Is(err, historydomain.ErrInvalidName):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, historydomain.ErrHistoryNotFound),
		errors.Is(err, historydomain.ErrContentNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	case errors.Is(err, usagedomain.ErrInvalidMember),
		errors.Is(err, memberdomain.ErrInvalidMember),
		errors.Is(err, historydomain.ErrInvalidMember):
		return "invalid_member"
	case errors.Is(err, usagedomain.ErrInvalidUnits):
		return "invalid_units"
	case errors.Is(err, usagedomain.ErrInvalidMonthKey):
		return "invalid_month_key"
	case errors.Is(err, memberdomain.ErrInvalidPlan):
		return "invalid_plan"
	case errors.Is(err, historydomain.ErrInvalidKind):
		return "invalid_kind"
	case errors.Is(err, historydomain.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, historydomain.ErrInvalidName):
		return "invalid_name"
	default:
		return "invalid_request"
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
