package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiryScript はINCRと有効期限の設定を1回のスクリプト実行で行う。
// 初回インクリメント時、または何らかの理由でTTLが失われたキーにのみ期限を設定する。
var incrWithExpiryScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Redis はRedisをバックエンドとするStoreの実装。
type Redis struct {
	// client はgo-redisのクライアント。単一ノードとクラスタの両方を受け付ける。
	client redis.UniversalClient
	// timeout は1回の操作に許容する最大時間。
	timeout time.Duration
}

// Options はRedis接続の設定。
type Options struct {
	// Addr はRedisのアドレス（例: "localhost:6379"）。
	Addr string
	// Password はRedisの認証パスワード。
	Password string
	// DB は使用するデータベース番号。
	DB int
	// Timeout は1回の操作に許容する最大時間。
	Timeout time.Duration
}

// NewRedis は接続設定からRedisストアを生成する。
// 応答を受け取れなかったコマンドは再送しない。INCRはサーバー側で実行済みの場合があり、
// 再送すると1件のリクエストを2回数えてしまう。
func NewRedis(opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   -1,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return NewRedisWithClient(client, opts.Timeout)
}

// NewRedisWithClient は生成済みのクライアントからRedisストアを生成する。
func NewRedisWithClient(client redis.UniversalClient, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Redis{client: client, timeout: timeout}
}

// withTimeout は操作ごとのタイムアウトを設定したコンテキストを返す。
func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// IncrWithExpiry はStore.IncrWithExpiryを実装する。
func (r *Redis) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	count, err := incrWithExpiryScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("カウンタのインクリメントに失敗: key=%s: %w", key, err)
	}
	return count, nil
}

// Get はStore.Getを実装する。
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("値の取得に失敗: key=%s: %w", key, err)
	}
	return value, true, nil
}

// Set はStore.Setを実装する。
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("値の書き込みに失敗: key=%s: %w", key, err)
	}
	return nil
}

// SetNX はStore.SetNXを実装する。
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("値の条件付き書き込みに失敗: key=%s: %w", key, err)
	}
	return ok, nil
}

// Delete はStore.Deleteを実装する。
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("キーの削除に失敗: key=%s: %w", key, err)
	}
	return nil
}

// Ping はStore.Pingを実装する。
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの疎通確認に失敗: %w", err)
	}
	return nil
}

// Close はRedis接続を閉じる。
func (r *Redis) Close() error {
	return r.client.Close()
}
