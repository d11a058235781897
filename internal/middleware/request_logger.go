package middleware

import (
	"time"

	"github.com/courtline/booking-engine/internal/utils"
	"github.com/gin-gonic/gin"
	ua "github.com/mssola/user_agent"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one line per request with the parsed client user agent
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      utils.ClientIP(c),
		}
		if raw := c.Request.UserAgent(); raw != "" {
			parser := ua.New(raw)
			browser, version := parser.Browser()
			fields["browser"] = browser + " " + version
			fields["os"] = parser.OS()
			fields["mobile"] = parser.Mobile()
			fields["bot"] = parser.Bot()
		}
		if userCtx, ok := GetUserContext(c); ok {
			fields["user_id"] = userCtx.UserID
		}

		entry := logger.WithFields(fields)
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request handled")
		}
	}
}
