package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/photoloom/internal/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	ginLoggerKey    = "logger"
)

// RequestLogger injects a request-scoped logger and logs each request's outcome.
// An incoming X-Request-ID is kept so callers can correlate job logs.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := logger.SetComponent(logger.SetRequestID(c.Request.Context(), requestID), "api")
		c.Request = c.Request.WithContext(ctx)
		c.Set(ginLoggerKey, logger.FromContext(ctx))
		c.Header(requestIDHeader, requestID)

		c.Next()

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		status := c.Writer.Status()
		entry := logger.With(logger.Fields{
			logger.FieldStatus: status,
			logger.FieldSize:   c.Writer.Size(),
		}).WithDuration(time.Since(start).Milliseconds())
		switch {
		case status >= 500:
			entry.Error(ctx, "Request failed: method=%s, path=%s", c.Request.Method, path)
		case status >= 400:
			entry.Warn(ctx, "Request rejected: method=%s, path=%s", c.Request.Method, path)
		default:
			entry.Info(ctx, "Request completed: method=%s, path=%s", c.Request.Method, path)
		}
	}
}

// GetLogger extracts logger from Gin context or request context.
func GetLogger(c *gin.Context) *logger.Logger {
	if l, exists := c.Get(ginLoggerKey); exists {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
