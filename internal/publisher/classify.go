package publisher

import (
	"net/http"
	"strings"

	"github.com/nao1215/filegate/internal/proxy"
	"github.com/nao1215/filegate/pkg/event"
)

const (
	// loginPath はログインのパス。
	loginPath = "/api/auth/login"
	// registerPath はユーザー登録のパス。
	registerPath = "/api/auth/register"
	// uploadPath はファイルアップロードのパス。
	uploadPath = "/api/files/upload"
	// filesPathPrefix はファイル単位の操作のパス接頭辞。
	filesPathPrefix = "/api/files/"
)

// Classify は完了通知からイベントを生成する。
// イベントの対象でない場合はfalseを返す。
func Classify(c proxy.Completion) (*event.Event, bool) {
	path := strings.TrimSuffix(c.Path, "/")

	var (
		eventType event.Type
		subject   string
		data      any
	)
	switch {
	case c.Method == http.MethodPost && path == loginPath && c.StatusCode == http.StatusOK:
		eventType = event.TypeUserLoginAttempt
		subject = c.Email
		data = event.UserLoginAttemptData{Email: c.Email}

	case c.Method == http.MethodPost && path == registerPath && c.StatusCode == http.StatusCreated:
		eventType = event.TypeUserRegistered
		subject = c.Email
		data = event.UserRegisteredData{Email: c.Email, Username: c.Username}

	case c.Method == http.MethodPost && path == uploadPath && c.StatusCode == http.StatusCreated:
		if c.Identity == nil {
			return nil, false
		}
		eventType = event.TypeFileUploaded
		subject = c.Identity.Subject
		data = event.FileUploadedData{UserID: c.Identity.Subject, Filename: c.Filename}

	case c.Method == http.MethodDelete && isSuccessfulDelete(c.StatusCode):
		fileID, ok := fileIDFromPath(path)
		if !ok || c.Identity == nil {
			return nil, false
		}
		eventType = event.TypeFileDeleted
		subject = c.Identity.Subject
		data = event.FileDeletedData{UserID: c.Identity.Subject, FileID: fileID}

	default:
		return nil, false
	}

	ev, err := event.New(eventType, subject, data)
	if err != nil {
		return nil, false
	}
	if !c.CompletedAt.IsZero() {
		ev.Timestamp = c.CompletedAt.UTC()
	}
	return ev, true
}

// isSuccessfulDelete は削除の成功ステータスかどうかを返す。
func isSuccessfulDelete(status int) bool {
	return status == http.StatusOK || status == http.StatusNoContent
}

// fileIDFromPath は /api/files/:id 形式のパスからファイルIDを取り出す。
func fileIDFromPath(path string) (string, bool) {
	id, ok := strings.CutPrefix(path, filesPathPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
