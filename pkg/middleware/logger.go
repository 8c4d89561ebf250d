package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
// 5xxはError、4xxはWarn、それ以外はInfoで出力する。
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var e *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			e = logger.Error()
		case status >= http.StatusBadRequest:
			e = logger.Warn()
		default:
			e = logger.Info()
		}

		e.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", GetRequestID(c)).
			Int("bytes", c.Writer.Size())
		if userID := GetUserID(c); userID != "" {
			e.Str("user_id", userID)
		}
		if cache := c.Writer.Header().Get("X-Cache"); cache != "" {
			e.Str("cache", cache)
		}
		if len(c.Errors) > 0 {
			e.Str("errors", c.Errors.String())
		}
		e.Msg("リクエストを処理しました")
	}
}
