package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/phraiz/phraiz/internal/observability/context"
	obslogger "github.com/phraiz/phraiz/internal/observability/logger"
)

const contextMemberIDKey = "member_id"

// maxMemberIDLength matches the width of member_id columns.
const maxMemberIDLength = 64

// MemberRequired resolves the member the gateway authenticated. Requests
// without the header never reach a handler.
func MemberRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		memberID := strings.TrimSpace(c.GetHeader(obslogger.MemberHeader))
		if memberID == "" || len(memberID) > maxMemberIDLength {
			AbortWithError(c, ErrMemberRequired)
			return
		}

		c.Set(contextMemberIDKey, memberID)
		c.Request = c.Request.WithContext(obscontext.WithMemberID(c.Request.Context(), memberID))
		c.Next()
	}
}

func memberIDFromContext(c *gin.Context) string {
	return c.GetString(contextMemberIDKey)
}
