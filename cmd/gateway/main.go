// エッジゲートウェイのエントリポイント。
// レート制限、トークン検証、レスポンスキャッシュを経てリクエストを内部サービスに転送し、
// 業務上意味のある完了をイベントとして送信する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/filegate/internal/config"
	"github.com/nao1215/filegate/internal/gateway"
	"github.com/nao1215/filegate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

// run は設定を読み込み、シグナルを受け取るまでゲートウェイを動かす。
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Gatewayサービスを停止しました")
	return nil
}
