// ゲートウェイの運用ツール。
// テスト用トークンの発行、トークンの失効登録と取り消し、負荷をかけながらのレート制限の確認を行う。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// command はサブコマンド1つ分の実装。
type command struct {
	// summary は使い方に表示する説明。
	summary string
	// run はサブコマンドを実行する。
	run func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

// commands はサブコマンドの一覧。
var commands = map[string]command{
	"token":    {summary: "署名済みのテスト用トークンを発行する", run: runToken},
	"revoke":   {summary: "トークンを失効リストに登録する", run: runRevoke},
	"unrevoke": {summary: "トークンを失効リストから取り除く", run: runUnrevoke},
	"load":     {summary: "一定の間隔でリクエストを送り、応答の内訳を表示する", run: runLoad},
}

// errUsage は使い方を表示して終了すべきことを表す。
var errUsage = errors.New("使い方が正しくありません")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		}
		os.Exit(1)
	}
}

// dispatch はサブコマンドを選んで実行する。
func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "不明なサブコマンド: %s\n\n", args[0])
		printUsage(stderr)
		return errUsage
	}
	return cmd.run(ctx, args[1:], stdout, stderr)
}

// printUsage は使い方を表示する。
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  gatewayctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands")
	for _, name := range []string{"token", "revoke", "unrevoke", "load"} {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
}

// newFlagSet はサブコマンド用のFlagSetを生成する。
func newFlagSet(name string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("gatewayctl "+name, flag.ContinueOnError)
	fs.SetOutput(output)
	return fs
}

// envOr は環境変数の値を返す。未設定の場合は既定値を返す。
func envOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
