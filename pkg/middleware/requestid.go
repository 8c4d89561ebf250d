package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderRequestID は相関IDを伝播するためのHTTPヘッダーキー。
	HeaderRequestID = "X-Request-ID"
	// contextKeyRequestID はGinコンテキストに相関IDを格納するためのキー。
	contextKeyRequestID = "request_id"
	// maxRequestIDLength は受け入れる相関IDの最大長。
	maxRequestIDLength = 128
)

// RequestID は相関IDを採番するGinミドルウェアを返す。
// クライアントが妥当なX-Request-IDを送ってきた場合はそれを使い、無ければUUIDを生成する。
// 相関IDはレスポンスヘッダーにも設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(contextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストから相関IDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}

// validRequestID は相関IDとして受け入れられる値かどうかを返す。
// 表示可能なASCII文字のみ許可する。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
