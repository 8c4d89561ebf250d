// Package publisher はプロキシの完了通知からドメインイベントを生成し、イベントログへ送信する。
//
// 送信はクライアントへの応答とは非同期に行う。完了通知は上限付きのキューに入れ、
// ワーカーがイベントログへ送信する。キューが満杯の場合や送信に失敗した場合は
// ログに記録して破棄し、再送は行わない。
//
// パーティションキーは操作した利用者から決めるため、同じ利用者のイベントは
// 同じパーティションに送られる。
package publisher
