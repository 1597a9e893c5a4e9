package middleware

import (
	"time"

	"github.com/docpipe/backend/internal/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger logs every HTTP request with its latency and caller identity.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		userID := uint(0)
		if id, exists := c.Get("userID"); exists {
			if uid, ok := id.(uint); ok {
				userID = uid
			}
		}

		logger.Info("HTTP request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
			"userID":  userID,
		})
	}
}
