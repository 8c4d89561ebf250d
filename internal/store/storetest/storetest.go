// Package storetest はテスト用にインプロセスのRedis（miniredis）に接続したストアを提供する。
package storetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/filegate/internal/store"
)

// New はminiredisを起動し、そこに接続したRedisストアを返す。
// サーバーとクライアントはテスト終了時に閉じられる。
func New(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	return store.NewRedisWithClient(client, 2*time.Second), mr
}

// Unreachable は接続できないアドレスを指すRedisストアを返す。
// ストア障害時のフェイルオープン動作の検証に使用する。
func Unreachable(t *testing.T) *store.Redis {
	t.Helper()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	return store.NewRedisWithClient(client, 100*time.Millisecond)
}
