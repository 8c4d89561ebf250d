// Package store は複数のゲートウェイインスタンスで共有するキーバリューストアへのアクセスを提供する。
//
// レートカウンタ、失効トークン、ID情報キャッシュ、レスポンスキャッシュはすべて
// このストア上に置かれる。プロセス内に共有可変状態を持たず、
// 更新はすべて1往復のアトミック操作として実行する。
package store

import (
	"context"
	"time"
)

// Store は共有キャッシュストアの操作を表す。
type Store interface {
	// IncrWithExpiry はキーをアトミックにインクリメントし、ウィンドウの有効期限が
	// 未設定であれば同じ操作内で設定する。インクリメント後の値を返す。
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get はキーの値を返す。キーが存在しない場合はfoundがfalseになる。
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set はTTL付きで値を書き込む。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX はキーが存在しない場合のみTTL付きで値を書き込む。書き込んだ場合trueを返す。
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete はキーを削除する。
	Delete(ctx context.Context, key string) error
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
}
