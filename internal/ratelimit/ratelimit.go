// Package ratelimit はクライアントアドレス単位のレート制限とスロットリングを提供する。
//
// 固定ウィンドウのカウンタを共有ストア上に置き、1つのカウンタに対して
// 2つの閾値を適用する。ソフト上限を超えたリクエストは遅延させ、
// ハード上限を超えたリクエストは拒否する。
//
// ストア障害時は許可として扱う（フェイルオープン）。
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/store"
)

// keyPrefix はレートカウンタのキー接頭辞。
const keyPrefix = "ratelimit:"

// Action はレート制限の判定結果の種類。
type Action int

const (
	// Allow はリクエストをそのまま処理することを表す。
	Allow Action = iota
	// Delay はリクエストを遅延させてから処理することを表す。
	Delay
	// Reject はリクエストを拒否することを表す。
	Reject
)

// String はログ・メトリクス用の名前を返す。
func (a Action) String() string {
	switch a {
	case Delay:
		return "delay"
	case Reject:
		return "reject"
	default:
		return "allow"
	}
}

// Policy はレート制限の設定。
type Policy struct {
	// Window はカウンタの固定ウィンドウ長。
	Window time.Duration
	// HardCap はウィンドウ内で許可する最大リクエスト数。超えると拒否する。
	HardCap int64
	// SoftCap はこの数を超えたリクエストから遅延を加える。
	SoftCap int64
	// BaseDelay はソフト上限を1件超えるごとに加算する遅延。
	BaseDelay time.Duration
	// MaxDelay は遅延の上限。0の場合は上限なし。
	MaxDelay time.Duration
}

// DefaultPolicy は15分間で100件まで、50件を超えると500msずつ遅延させるポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		Window:    15 * time.Minute,
		HardCap:   100,
		SoftCap:   50,
		BaseDelay: 500 * time.Millisecond,
	}
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Action は判定の種類。
	Action Action
	// Count はインクリメント後のカウンタ値。ストア障害時は0。
	Count int64
	// Limit はハード上限。
	Limit int64
	// Remaining はウィンドウ内で残っているリクエスト数。
	Remaining int64
	// Delay はActionがDelayの場合に待機する時間。
	Delay time.Duration
	// RetryAfter はActionがRejectの場合に再試行を待つべき時間の目安。
	RetryAfter time.Duration
	// Degraded はストア障害によりフェイルオープンしたことを表す。
	Degraded bool
}

// Limiter はクライアントアドレス単位のレート制限を行う。
type Limiter struct {
	store  store.Store
	policy Policy
	logger zerolog.Logger
}

// New は新しいLimiterを生成する。
func New(st store.Store, policy Policy, logger zerolog.Logger) *Limiter {
	return &Limiter{store: st, policy: policy, logger: logger}
}

// Policy は適用中のポリシーを返す。
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Key はクライアントアドレスに対応するカウンタのキーを返す。
func Key(clientAddr string) string {
	return keyPrefix + clientAddr
}

// Check はクライアントアドレスのカウンタをインクリメントし、判定結果を返す。
// 拒否した場合もカウンタは巻き戻さない。
func (l *Limiter) Check(ctx context.Context, clientAddr string) Decision {
	count, err := l.store.IncrWithExpiry(ctx, Key(clientAddr), l.policy.Window)
	if err != nil {
		l.logger.Warn().Err(err).Str("client", clientAddr).Msg("レートカウンタの更新に失敗したため許可として続行します")
		return Decision{Action: Allow, Limit: l.policy.HardCap, Remaining: l.policy.HardCap, Degraded: true}
	}
	return l.decide(count)
}

// decide はカウンタ値から判定結果を組み立てる。
func (l *Limiter) decide(count int64) Decision {
	d := Decision{
		Action:    Allow,
		Count:     count,
		Limit:     l.policy.HardCap,
		Remaining: max(l.policy.HardCap-count, 0),
	}

	switch {
	case count > l.policy.HardCap:
		d.Action = Reject
		d.RetryAfter = l.policy.Window
	case count > l.policy.SoftCap:
		d.Action = Delay
		d.Delay = time.Duration(count-l.policy.SoftCap) * l.policy.BaseDelay
		if l.policy.MaxDelay > 0 && d.Delay > l.policy.MaxDelay {
			d.Delay = l.policy.MaxDelay
		}
	}
	return d
}
