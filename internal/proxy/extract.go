package proxy

import (
	"bytes"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
)

// attributes はイベント生成に使うリクエストボディ中の値。
type attributes struct {
	Filename string `json:"filename"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// extractAttributes はリクエストボディからファイル名・メールアドレス・ユーザー名を取り出す。
// multipart/form-dataの場合は最初のファイルパートのファイル名、JSONの場合は同名のフィールドを使う。
// 取り出せない場合は空の値を返す。
func extractAttributes(method, contentType string, body []byte) attributes {
	if method == http.MethodGet || method == http.MethodHead || len(body) == 0 {
		return attributes{}
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return attributes{}
	}

	switch {
	case mediaType == "multipart/form-data":
		return attributes{Filename: firstFilename(body, params["boundary"])}
	case mediaType == "application/json":
		var attrs attributes
		// 不正なJSONは属性なしとして扱う
		_ = json.Unmarshal(body, &attrs)
		return attrs
	default:
		return attributes{}
	}
}

// firstFilename はmultipartボディから最初のファイルパートのファイル名を返す。
func firstFilename(body []byte, boundary string) string {
	if boundary == "" {
		return ""
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			return ""
		}
		name := part.FileName()
		_ = part.Close()
		if name != "" {
			return name
		}
	}
}
