package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/phraiz/phraiz/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MemberHeader carries the authenticated member id set by the upstream gateway.
	MemberHeader    = "X-Member-ID"
	RequestIDHeader = "X-Request-Id"
)

type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to (type, code) without exposing its text.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware seeds the request context with correlation ids and writes one
// http_request line per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := requestIDFor(c)
		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = obscontext.WithMemberID(ctx, c.GetHeader(MemberHeader))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := requestFields(c, route, status, time.Since(start))

		var errType string
		if last := c.Errors.Last(); last != nil {
			errCode := ""
			if cfg.ErrorClassifier != nil {
				errType, errCode = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errType), zap.String("error_code", errCode))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		if ce := FromContext(c.Request.Context()).Check(requestLevel(route, status, errType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
	if id == "" {
		id = strings.TrimSpace(c.GetString("request_id"))
	}
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(RequestIDHeader, id)
	return id
}

func requestFields(c *gin.Context, route string, status int, elapsed time.Duration) []zap.Field {
	bytesIn := c.Request.ContentLength
	if bytesIn < 0 {
		bytesIn = 0
	}
	bytesOut := c.Writer.Size()
	if bytesOut < 0 {
		bytesOut = 0
	}

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.Int64("bytes_in", bytesIn),
		zap.Int("bytes_out", bytesOut),
	}
	if kind := c.Param("kind"); kind != "" {
		fields = append(fields, zap.String("history_kind", kind))
	}
	return fields
}

// Expected denials (quota, rate limit, plan gates) are routine traffic and
// stay below info so they do not drown real failures.
var quietErrorTypes = map[string]struct{}{
	"quota_exceeded":         {},
	"rate_limited":           {},
	"history_limit_exceeded": {},
	"plan_mode_not_allowed":  {},
}

func requestLevel(route string, status int, errType string) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	}
	if _, ok := quietErrorTypes[errType]; ok {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
