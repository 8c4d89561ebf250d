package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nao1215/filegate/internal/identity"
)

// runToken はテスト用のトークンを発行して標準出力に書き出す。
func runToken(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("token", stderr)
	secret := fs.String("secret", envOr("JWT_SECRET", "dev-secret-key"), "署名に使う共有鍵")
	subject := fs.String("subject", "", "利用者の識別子（必須）")
	email := fs.String("email", "", "メールアドレス")
	username := fs.String("username", "", "ユーザー名")
	ttl := fs.Duration("ttl", time.Hour, "有効期間")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		fs.Usage()
		return errors.New("-subject を指定してください")
	}

	token, err := identity.Sign(*secret, identity.Identity{
		Subject:  *subject,
		Email:    *email,
		Username: *username,
	}, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
