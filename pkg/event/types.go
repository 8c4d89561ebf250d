package event

import (
	"encoding/json"
	"time"
)

// Topic はイベントの送信先トピックを表す。
type Topic string

const (
	// TopicUserEvents は認証・セッションに関するイベントのトピック。
	TopicUserEvents Topic = "user-events"
	// TopicFileEvents はファイルのライフサイクルに関するイベントのトピック。
	TopicFileEvents Topic = "file-events"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeUserLoginAttempt はログインが成功したことを表す。
	TypeUserLoginAttempt Type = "USER_LOGIN_ATTEMPT"
	// TypeUserRegistered はユーザーが登録されたことを表す。
	TypeUserRegistered Type = "USER_REGISTERED"
	// TypeFileUploaded はファイルがアップロードされたことを表す。
	TypeFileUploaded Type = "FILE_UPLOADED"
	// TypeFileDeleted はファイルが削除されたことを表す。
	TypeFileDeleted Type = "FILE_DELETED"
)

// Topic はイベント種類に対応する送信先トピックを返す。
func (t Type) Topic() Topic {
	switch t {
	case TypeFileUploaded, TypeFileDeleted:
		return TopicFileEvents
	default:
		return TopicUserEvents
	}
}

// Event はプロキシしたリクエストの完了から生成されるドメインイベント。
// 生成後は変更しない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string
	// Type はイベントの種類。
	Type Type
	// Subject はイベントの主体。パーティションキーとして使用する。
	Subject string
	// Data はイベント固有の属性（JSONオブジェクト）。
	Data json.RawMessage
	// Timestamp はイベントを生成した日時。
	Timestamp time.Time
}

// UserLoginAttemptData はUSER_LOGIN_ATTEMPTイベントの属性。
type UserLoginAttemptData struct {
	// Email はログインに使われたメールアドレス。
	Email string `json:"email"`
}

// UserRegisteredData はUSER_REGISTEREDイベントの属性。
type UserRegisteredData struct {
	// Email は登録されたメールアドレス。
	Email string `json:"email"`
	// Username は登録されたユーザー名。
	Username string `json:"username,omitempty"`
}

// FileUploadedData はFILE_UPLOADEDイベントの属性。
type FileUploadedData struct {
	// UserID はアップロードしたユーザーのID。
	UserID string `json:"user_id"`
	// Filename は元のファイル名。
	Filename string `json:"filename"`
}

// FileDeletedData はFILE_DELETEDイベントの属性。
type FileDeletedData struct {
	// UserID は削除を実行したユーザーのID。
	UserID string `json:"user_id"`
	// FileID は削除されたファイルのID。
	FileID string `json:"file_id"`
}
