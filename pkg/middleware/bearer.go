package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// contextKeyUserID はGinコンテキストにユーザーIDを格納するためのキー。
	contextKeyUserID = "user_id"
	// contextKeyEmail はGinコンテキストにメールアドレスを格納するためのキー。
	contextKeyEmail = "email"
)

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無い場合やBearer形式でない場合は空文字列を返す。
func BearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SetUser は検証済みのユーザーIDとメールアドレスをGinコンテキストに設定する。
// アクセスログなど後続の処理から参照される。
func SetUser(c *gin.Context, userID, email string) {
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyEmail, email)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// SetUserで設定されていない場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(contextKeyEmail)
}
