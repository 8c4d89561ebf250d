package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/apperr"
	"github.com/nao1215/filegate/internal/identity"
	"github.com/nao1215/filegate/internal/metrics"
	"github.com/nao1215/filegate/internal/proxy"
	"github.com/nao1215/filegate/internal/ratelimit"
	"github.com/nao1215/filegate/internal/respcache"
	"github.com/nao1215/filegate/pkg/middleware"
)

// State はパイプライン上のリクエストの状態。
type State int

const (
	// StateReceived はリクエストを受け付けた状態。
	StateReceived State = iota
	// StateRateChecked はレート制限の判定を終えた状態。
	StateRateChecked
	// StateAuthenticated はトークンの検証を終えた状態。認証不要のルートでは通らない。
	StateAuthenticated
	// StateCacheChecked はレスポンスキャッシュの参照を終えた状態。
	StateCacheChecked
	// StateProxied はバックエンドから応答を受け取った状態。
	StateProxied
	// StateEventEmitted は完了通知をイベント送信に渡した状態。
	StateEventEmitted
	// StateResponded はクライアントに応答した終端状態。
	StateResponded
)

// String はログ出力用の名前を返す。
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRateChecked:
		return "rate_checked"
	case StateAuthenticated:
		return "authenticated"
	case StateCacheChecked:
		return "cache_checked"
	case StateProxied:
		return "proxied"
	case StateEventEmitted:
		return "event_emitted"
	case StateResponded:
		return "responded"
	default:
		return "unknown"
	}
}

// RequestContext はパイプラインを流れる1リクエスト分の状態。
type RequestContext struct {
	// RequestID は相関ID。
	RequestID string
	// ClientIP はレート制限に使うクライアントアドレス。
	ClientIP string
	// Identity は検証済みの利用者。未認証の場合はnil。
	Identity *identity.Identity
	// Decision はレート制限の判定結果。
	Decision ratelimit.Decision
	// CacheKey はレスポンスキャッシュのキー。キャッシュ対象外の場合は空。
	CacheKey string
	// CacheHit はキャッシュから応答したかどうか。
	CacheHit bool

	// history は通過した状態の履歴。
	history []State
}

// State は現在の状態を返す。
func (rc *RequestContext) State() State {
	return rc.history[len(rc.history)-1]
}

// History は通過した状態を順に返す。
func (rc *RequestContext) History() []State {
	return append([]State(nil), rc.history...)
}

// advance は次の状態に進める。状態は後戻りしない。
func (rc *RequestContext) advance(next State) {
	if next <= rc.State() {
		return
	}
	rc.history = append(rc.history, next)
}

// contextKeyRequestContext はGinコンテキストにRequestContextを格納するためのキー。
const contextKeyRequestContext = "request_context"

// requestContextFrom はGinコンテキストからRequestContextを取得する。
func requestContextFrom(c *gin.Context) (*RequestContext, bool) {
	v, ok := c.Get(contextKeyRequestContext)
	if !ok {
		return nil, false
	}
	rc, ok := v.(*RequestContext)
	return rc, ok
}

// SleepFunc は指定時間待機する。ctxが先に終了した場合はctxのエラーを返す。
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext はSleepFuncの既定の実装。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pipeline はレート制限・認証・キャッシュ・転送の順にリクエストを処理する。
type Pipeline struct {
	limiter      *ratelimit.Limiter
	identities   *identity.Cache
	cache        *respcache.Cache
	dispatcher   *proxy.Dispatcher
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	maxBodyBytes int64
	sleep        SleepFunc
}

// Handle はパイプラインを実行するGinハンドラを返す。
// requireAuthがtrueの場合はBearerトークンの検証を必須とする。
func (p *Pipeline) Handle(requireAuth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := &RequestContext{
			RequestID: middleware.GetRequestID(c),
			ClientIP:  c.ClientIP(),
			history:   []State{StateReceived},
		}
		c.Set(contextKeyRequestContext, rc)

		if err := p.run(c, rc, requireAuth); err != nil {
			if errors.Is(err, context.Canceled) {
				// クライアントが切断したため応答しない
				p.logger.Debug().Str("request_id", rc.RequestID).Msg("クライアントが切断したためリクエストを中断しました")
				c.Abort()
				return
			}
			p.writeError(c, err)
		}
		rc.advance(StateResponded)
	}
}

// run はパイプラインの各段階を順に実行する。
func (p *Pipeline) run(c *gin.Context, rc *RequestContext, requireAuth bool) error {
	ctx := c.Request.Context()

	if err := p.checkRate(ctx, c, rc); err != nil {
		return err
	}
	rc.advance(StateRateChecked)

	body, err := p.readBody(c)
	if err != nil {
		return err
	}

	if requireAuth {
		id, err := p.identities.Validate(ctx, middleware.BearerToken(c))
		if err != nil {
			return err
		}
		rc.Identity = id
		middleware.SetUser(c, id.Subject, id.Email)
		rc.advance(StateAuthenticated)
	}

	cacheable := respcache.Cacheable(c.Request.Method)
	if cacheable {
		subject := ""
		if rc.Identity != nil {
			subject = rc.Identity.Subject
		}
		rc.CacheKey = respcache.Key(c.Request.URL.Path, c.Request.URL.RawQuery, subject)
		if entry, ok := p.cache.Lookup(ctx, rc.CacheKey); ok {
			rc.CacheHit = true
			rc.advance(StateCacheChecked)
			p.metrics.ObserveCache("hit")
			copyHeader(c, entry.Header)
			c.Header("X-Cache", "HIT")
			c.Data(entry.Status, entry.ContentType, entry.Body)
			return nil
		}
		p.metrics.ObserveCache("miss")
		c.Header("X-Cache", "MISS")
	}
	rc.advance(StateCacheChecked)

	route, _ := p.dispatcher.Resolve(c.Request.URL.Path)
	start := time.Now()
	resp, err := p.dispatcher.Dispatch(ctx, &proxy.Request{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		RawQuery:  c.Request.URL.RawQuery,
		Header:    c.Request.Header,
		Body:      body,
		ClientIP:  rc.ClientIP,
		Host:      c.Request.Host,
		RequestID: rc.RequestID,
		Identity:  rc.Identity,
	})
	if err != nil {
		p.metrics.ObserveUpstream(route.Name, apperr.KindOf(err).Code(), time.Since(start))
		return err
	}
	p.metrics.ObserveUpstream(route.Name, "ok", time.Since(start))
	rc.advance(StateProxied)
	if resp.Notified {
		rc.advance(StateEventEmitted)
	}

	if cacheable && p.cache.ShouldStore(resp.StatusCode, resp.Header, resp.Body) {
		if p.cache.StoreAsync(rc.CacheKey, respcache.NewEntry(resp.StatusCode, resp.Header, resp.Body)) {
			p.metrics.ObserveCache("store")
		} else {
			p.metrics.ObserveCache("drop")
		}
	}

	copyHeader(c, resp.Header)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	return nil
}

// copyHeader はバックエンドのレスポンスヘッダーをクライアントへの応答に追加する。
// Content-Typeはc.Dataで設定し、相関IDはゲートウェイの値を使う。
func copyHeader(c *gin.Context, header http.Header) {
	for name, values := range header {
		if name == "Content-Type" || name == http.CanonicalHeaderKey(middleware.HeaderRequestID) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
}

// checkRate はレート制限を判定し、必要に応じて待機または拒否する。
func (p *Pipeline) checkRate(ctx context.Context, c *gin.Context, rc *RequestContext) error {
	d := p.limiter.Check(ctx, rc.ClientIP)
	rc.Decision = d

	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	p.metrics.ObserveRateLimit(d.Action.String(), d.Delay)
	if d.Degraded {
		p.metrics.ObserveStoreDegraded("ratelimit")
	}

	switch d.Action {
	case ratelimit.Reject:
		c.Header("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
		return apperr.New(apperr.KindRateLimited, "リクエストが多すぎます。しばらくしてから再試行してください")
	case ratelimit.Delay:
		if err := p.sleep(ctx, d.Delay); err != nil {
			return err
		}
	}
	return nil
}

// readBody はリクエストボディを上限サイズまで読み切る。
// JSONを宣言しているボディは形式も検証する。
func (p *Pipeline) readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, p.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Wrap(apperr.KindValidation, "リクエストボディが大きすぎます", err)
		}
		if ctxErr := c.Request.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.KindValidation, "リクエストボディの読み取りに失敗しました", err)
	}

	if len(body) > 0 {
		if mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type")); err == nil && mediaType == "application/json" && !json.Valid(body) {
			return nil, apperr.New(apperr.KindValidation, "リクエストボディのJSON形式が不正です")
		}
	}
	return body, nil
}

// writeError はエラーを {"error": メッセージ, "code": エラーコード} の形式で返す。
func (p *Pipeline) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		p.logger.Error().Err(err).Str("request_id", middleware.GetRequestID(c)).Msg("リクエストの処理に失敗")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(kind.Status(), gin.H{
		"error": apperr.MessageOf(err),
		"code":  kind.Code(),
	})
}
