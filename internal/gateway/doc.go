// Package gateway はエッジゲートウェイのHTTPサーバーとリクエスト処理パイプラインを提供する。
//
// 外部からアクセス可能な唯一の入口として、すべてのリクエストを
// レート制限、トークン検証、レスポンスキャッシュ参照、バックエンドへの転送の順に処理する。
// 転送が完了したリクエストのうち業務上意味のあるものは、イベントとして非同期に送信される。
//
// 共有ストア（Redis）が停止している間もリクエストの処理は続ける。
// その場合、レート制限は許可、失効チェックは未失効、キャッシュはミスとして扱う。
package gateway
