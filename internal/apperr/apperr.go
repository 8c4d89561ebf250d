// Package apperr はゲートウェイのパイプラインで扱うエラー分類を提供する。
//
// 各コンポーネントは失敗の種類（Kind）を持つ *Error を返し、
// パイプラインはKindからHTTPステータスと安定したエラーコードを決定する。
package apperr

import (
	"errors"
	"net/http"
)

// Kind はエラーの種類を表す。
type Kind int

const (
	// KindInternal は想定外の内部エラーを表す。
	KindInternal Kind = iota
	// KindUnauthenticated は認証トークンが存在しないことを表す。
	KindUnauthenticated
	// KindRevoked はトークンが失効リストに登録されていることを表す。
	KindRevoked
	// KindInvalidToken は署名または有効期限の検証に失敗したことを表す。
	KindInvalidToken
	// KindRateLimited はレート制限の上限を超えたことを表す。
	KindRateLimited
	// KindUpstreamUnavailable はバックエンドサービスに接続できないことを表す。
	KindUpstreamUnavailable
	// KindUpstreamTimeout はバックエンドサービスの応答がタイムアウトしたことを表す。
	KindUpstreamTimeout
	// KindValidation はリクエストの形式が不正であることを表す。
	KindValidation
	// KindNotFound はルートが存在しないことを表す。
	KindNotFound
)

// Status はKindに対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated, KindRevoked, KindInvalidToken:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code はレスポンスボディに含める安定したエラーコードを返す。
func (k Kind) Code() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindRevoked:
		return "token_revoked"
	case KindInvalidToken:
		return "invalid_token"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// String はログ出力用の名前を返す。
func (k Kind) String() string {
	return k.Code()
}

// Error はKindとクライアント向けメッセージを持つエラー。
type Error struct {
	// Kind はエラーの種類。
	Kind Kind
	// Message はクライアントにそのまま返すメッセージ。
	Message string
	// Err は原因となったエラー。ログ出力のみに使用する。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// New は新しい *Error を生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap は原因エラーを保持した *Error を生成する。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf はエラーチェーンから *Error を探してKindを返す。
// *Error を含まないエラーは KindInternal として扱う。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf はクライアントに返すメッセージを取り出す。
// 内部エラーの詳細はクライアントに返さない。
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "内部サーバーエラーが発生しました"
}
