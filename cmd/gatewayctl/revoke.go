package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nao1215/filegate/internal/identity"
	"github.com/nao1215/filegate/internal/store"
)

// runRevoke はトークンを失効リストに登録する。
func runRevoke(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("revoke", stderr)
	addr := fs.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redisのアドレス")
	password := fs.String("redis-password", envOr("REDIS_PASSWORD", ""), "Redisの認証パスワード")
	ttl := fs.Duration("ttl", 24*time.Hour, "失効情報を保持する期間。トークンの有効期間以上を指定する")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("失効させるトークンを1つ指定してください")
	}

	st := store.NewRedis(store.Options{Addr: *addr, Password: *password, Timeout: 5 * time.Second})
	defer st.Close()

	return revoke(ctx, st, fs.Arg(0), *ttl, stdout)
}

// runUnrevoke はトークンを失効リストから取り除く。
func runUnrevoke(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("unrevoke", stderr)
	addr := fs.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redisのアドレス")
	password := fs.String("redis-password", envOr("REDIS_PASSWORD", ""), "Redisの認証パスワード")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("失効を取り消すトークンを1つ指定してください")
	}

	st := store.NewRedis(store.Options{Addr: *addr, Password: *password, Timeout: 5 * time.Second})
	defer st.Close()

	return unrevoke(ctx, st, fs.Arg(0), stdout)
}

// revoke は失効レコードを書き込む。
func revoke(ctx context.Context, st store.Store, token string, ttl time.Duration, stdout io.Writer) error {
	if err := st.Set(ctx, identity.RevocationKey(token), []byte("1"), ttl); err != nil {
		return fmt.Errorf("失効情報の書き込みに失敗: %w", err)
	}
	fmt.Fprintf(stdout, "トークンを失効させました（保持期間: %s）\n", ttl)
	return nil
}

// unrevoke は失効レコードを削除する。
func unrevoke(ctx context.Context, st store.Store, token string, stdout io.Writer) error {
	if err := st.Delete(ctx, identity.RevocationKey(token)); err != nil {
		return fmt.Errorf("失効情報の削除に失敗: %w", err)
	}
	fmt.Fprintln(stdout, "トークンの失効を取り消しました")
	return nil
}
