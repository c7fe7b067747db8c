package storefront

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// requestID generates or propagates the X-Request-ID header.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger logs every request at DEBUG, or WARN/ERROR for 4xx/5xx.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get("request_id")
		requestIDStr, _ := requestID.(string)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("request_id", requestIDStr),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}

		switch {
		case status >= 500:
			logger.Error("storefront request", fields...)
		case status >= 400:
			logger.Warn("storefront request", fields...)
		default:
			logger.Debug("storefront request", fields...)
		}
	}
}

// recovery turns handler panics into 500 responses.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", err),
					zap.Stack("stacktrace"),
				)
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}

// pageStats counts hits per store page and injects configured failures.
func (s *Server) pageStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := strings.TrimPrefix(c.Request.URL.Path, s.basePath)
		if page == "" {
			page = "/"
		}
		s.hit(page)

		if status, ok := s.failure(page); ok {
			c.AbortWithStatus(status)
			return
		}
		if s.latency > 0 {
			time.Sleep(s.latency)
		}
		c.Next()
	}
}
