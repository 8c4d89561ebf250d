package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestContext はテスト用のGinコンテキストを生成する。
func newTestContext(req *http.Request) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req
	return c
}

// TestBearerToken はBearerToken関数を検証する。
func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "Bearer形式のトークンを取り出せること", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "スキーム名の大文字小文字を区別しないこと", header: "bearer abc", want: "abc"},
		{name: "前後の空白が取り除かれること", header: "Bearer   abc  ", want: "abc"},
		{name: "Authorizationヘッダーが無い場合は空になること", header: "", want: ""},
		{name: "Basic認証の場合は空になること", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "スキームのみの場合は空になること", header: "Bearer", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(newTestContext(req)); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestSetUser はSetUserとGetUserID・GetEmailを検証する。
func TestSetUser(t *testing.T) {
	t.Parallel()

	t.Run("設定したユーザー情報を取得できること", func(t *testing.T) {
		t.Parallel()

		c := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil))
		SetUser(c, "user-123", "test@example.com")

		if got := GetUserID(c); got != "user-123" {
			t.Errorf("GetUserID() = %q, want %q", got, "user-123")
		}
		if got := GetEmail(c); got != "test@example.com" {
			t.Errorf("GetEmail() = %q, want %q", got, "test@example.com")
		}
	})

	t.Run("未設定の場合は空文字列が返ること", func(t *testing.T) {
		t.Parallel()

		c := newTestContext(httptest.NewRequest(http.MethodGet, "/", nil))
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want empty string", got)
		}
	})
}
