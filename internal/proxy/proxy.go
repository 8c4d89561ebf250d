package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/apperr"
	"github.com/nao1215/filegate/internal/identity"
	"github.com/nao1215/filegate/pkg/httpclient"
)

// userHeaderPrefix はゲートウェイが付与する利用者ヘッダーの接頭辞（正規化済み）。
const userHeaderPrefix = "X-User-"

// Backend はリクエストの転送先。
type Backend interface {
	Do(ctx context.Context, method, path string, header http.Header, body []byte) (*httpclient.Response, error)
}

// Route はパス接頭辞と転送先の対応。
type Route struct {
	// Name はログやメトリクスで使うルート名（例: "auth", "files"）。
	Name string
	// Prefix はゲートウェイが受け付けるパスの接頭辞。
	Prefix string
	// TargetPrefix は転送先でPrefixを置き換える接頭辞。
	TargetPrefix string
	// Backend は転送先のクライアント。
	Backend Backend
}

// match はパスがこのルートの対象かどうかを返す。
func (r Route) match(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// targetPath はパスの接頭辞を転送先のものに書き換える。
func (r Route) targetPath(path string) string {
	return r.TargetPrefix + strings.TrimPrefix(path, r.Prefix)
}

// Request は転送するリクエスト。ボディは読み切ったものを渡す。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path はゲートウェイが受け付けたパス。
	Path string
	// RawQuery はクエリ文字列。
	RawQuery string
	// Header はクライアントから受け取ったヘッダー。
	Header http.Header
	// Body はリクエストボディ。
	Body []byte
	// ClientIP はクライアントのIPアドレス。
	ClientIP string
	// Host はクライアントが指定したHost。
	Host string
	// RequestID は相関ID。
	RequestID string
	// Identity は検証済みの利用者。未認証の場合はnil。
	Identity *identity.Identity
}

// Completion はバックエンドからの応答受信を表す完了通知。
type Completion struct {
	// Method はHTTPメソッド。
	Method string
	// Path はゲートウェイが受け付けたパス。
	Path string
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Identity は検証済みの利用者。未認証の場合はnil。
	Identity *identity.Identity
	// Filename はアップロードされたファイル名。
	Filename string
	// Email はリクエストボディに含まれていたメールアドレス。
	Email string
	// Username はリクエストボディに含まれていたユーザー名。
	Username string
	// RequestID は相関ID。
	RequestID string
	// CompletedAt は応答を受け取った日時。
	CompletedAt time.Time
}

// Response はバックエンドのレスポンスと完了通知の有無。
type Response struct {
	*httpclient.Response
	// Notified は完了通知をNotifierに渡したかどうか。
	Notified bool
}

// Notifier は完了通知を受け取る。Notifyは呼び出し元をブロックしてはならない。
type Notifier interface {
	Notify(c Completion)
}

// Dispatcher はルートに従ってリクエストを転送する。
type Dispatcher struct {
	routes   []Route
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher は新しいDispatcherを生成する。notifierはnilでもよい。
// 接頭辞が重なる場合は先に指定したルートが優先される。
func NewDispatcher(routes []Route, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		routes:   routes,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve はパスに対応するルートを返す。
func (d *Dispatcher) Resolve(path string) (Route, bool) {
	for _, r := range d.routes {
		if r.match(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Dispatch はリクエストを転送し、読み切ったレスポンスを返す。リトライは行わない。
// バックエンドのタイムアウトはKindUpstreamTimeout、接続失敗はKindUpstreamUnavailableを返す。
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	route, ok := d.Resolve(req.Path)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "エンドポイントが見つかりません")
	}

	target := route.targetPath(req.Path)
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	header := forwardHeader(req)
	if req.Identity != nil {
		ctx = httpclient.WithUserID(ctx, req.Identity.Subject)
	}
	ctx = httpclient.WithRequestID(ctx, req.RequestID)

	resp, err := route.Backend.Do(ctx, req.Method, target, header, req.Body)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("route", route.Name).
			Str("method", req.Method).
			Str("target", target).
			Str("request_id", req.RequestID).
			Msg("バックエンドへの転送に失敗")
		if errors.Is(err, httpclient.ErrTimeout) {
			return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "バックエンドサービスの応答がタイムアウトしました", err)
		}
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "バックエンドサービスとの通信に失敗しました", err)
	}

	notified := d.notify(req, resp.StatusCode)
	return &Response{Response: resp, Notified: notified}, nil
}

// notify は完了通知を組み立ててNotifierに渡す。
func (d *Dispatcher) notify(req *Request, status int) bool {
	if d.notifier == nil {
		return false
	}
	attrs := extractAttributes(req.Method, req.Header.Get("Content-Type"), req.Body)
	d.notifier.Notify(Completion{
		Method:      req.Method,
		Path:        req.Path,
		StatusCode:  status,
		Identity:    req.Identity,
		Filename:    attrs.Filename,
		Email:       attrs.Email,
		Username:    attrs.Username,
		RequestID:   req.RequestID,
		CompletedAt: d.now().UTC(),
	})
	return true
}

// forwardHeader は転送用のヘッダーを組み立てる。
// クライアントが送ってきたX-User-*ヘッダーは信用せずに取り除く。
func forwardHeader(req *Request) http.Header {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	for name := range header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), userHeaderPrefix) {
			header.Del(name)
		}
	}

	if req.Identity != nil && req.Identity.Email != "" {
		header.Set("X-User-Email", req.Identity.Email)
	}

	if req.ClientIP != "" {
		if prior := header.Values("X-Forwarded-For"); len(prior) > 0 {
			header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+req.ClientIP)
		} else {
			header.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Host != "" {
		header.Set("X-Forwarded-Host", req.Host)
	}
	return header
}
