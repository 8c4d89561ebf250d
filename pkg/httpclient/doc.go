// Package httpclient はゲートウェイから背後のサービスへリクエストを転送するHTTPクライアントを提供する。
//
// レスポンスはステータス・ヘッダー・ボディを読み切った形で返す。
// 呼び出し元はレスポンスをキャッシュへ書き込んだり、イベントの分類に使ったりできる。
// 送信エラーはタイムアウト（ErrTimeout）と接続失敗（ErrUnavailable）に分類する。
package httpclient
