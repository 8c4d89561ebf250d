package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TestRequestLogger はRequestLoggerミドルウェアを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	serve := func(t *testing.T, status int) map[string]any {
		t.Helper()

		var buf bytes.Buffer
		router := gin.New()
		router.Use(RequestID())
		router.Use(RequestLogger(zerolog.New(&buf)))
		router.GET("/test", func(c *gin.Context) {
			SetUser(c, "user-1", "a@example.com")
			c.Header("X-Cache", "HIT")
			c.Status(status)
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, "req-log")
		router.ServeHTTP(httptest.NewRecorder(), req)

		var fields map[string]any
		if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
			t.Fatalf("ログ出力のパースに失敗: %v (%s)", err, buf.String())
		}
		return fields
	}

	t.Run("アクセスログに主要な項目が含まれること", func(t *testing.T) {
		t.Parallel()

		fields := serve(t, http.StatusOK)
		if fields["level"] != "info" {
			t.Errorf("level = %v, want %q", fields["level"], "info")
		}
		if fields["method"] != "GET" {
			t.Errorf("method = %v, want %q", fields["method"], "GET")
		}
		if fields["path"] != "/test" {
			t.Errorf("path = %v, want %q", fields["path"], "/test")
		}
		if fields["status"] != float64(http.StatusOK) {
			t.Errorf("status = %v, want %d", fields["status"], http.StatusOK)
		}
		if fields["request_id"] != "req-log" {
			t.Errorf("request_id = %v, want %q", fields["request_id"], "req-log")
		}
		if fields["user_id"] != "user-1" {
			t.Errorf("user_id = %v, want %q", fields["user_id"], "user-1")
		}
		if fields["cache"] != "HIT" {
			t.Errorf("cache = %v, want %q", fields["cache"], "HIT")
		}
	})

	t.Run("ステータスに応じてログレベルが変わること", func(t *testing.T) {
		t.Parallel()

		if got := serve(t, http.StatusTooManyRequests)["level"]; got != "warn" {
			t.Errorf("429のlevel = %v, want %q", got, "warn")
		}
		if got := serve(t, http.StatusBadGateway)["level"]; got != "error" {
			t.Errorf("502のlevel = %v, want %q", got, "error")
		}
	})
}
