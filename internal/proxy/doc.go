// Package proxy はゲートウェイで受け付けたリクエストを背後のサービスへ転送する。
//
// パスの接頭辞でルートを選び、接頭辞だけを転送先のものに書き換える。
// 転送前に利用者を表すヘッダーを付け直し、クライアントが送ってきた
// X-User-* ヘッダーはすべて取り除く。
//
// バックエンドから応答を受け取ると、完了通知（Completion）をNotifierに渡す。
// 通知は非同期に処理され、クライアントへの応答を待たせない。
package proxy
