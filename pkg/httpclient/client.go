package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout はバックエンドの応答を待つ既定の最大時間。
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout はバックエンドが制限時間内に応答しなかったことを表す。
	ErrTimeout = errors.New("バックエンドの応答がタイムアウトしました")
	// ErrUnavailable はバックエンドに接続できなかったことを表す。
	ErrUnavailable = errors.New("バックエンドに接続できません")
)

// hopByHopHeaders は転送時に取り除くホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client はバックエンドサービス1つに対応するHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithTimeout はバックエンドの応答を待つ最大時間を設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithTransport は使用するRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://file-service:3002"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response は読み切ったバックエンドのレスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はホップバイホップヘッダーを除いたレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// Do は指定パスにリクエストを送信し、レスポンスを読み切って返す。
// pathにはクエリ文字列を含めてよい。リトライは行わない。
// 2xx以外のステータスもエラーにはせず、そのまま返す。
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	RemoveHopByHop(req.Header)
	// Hostは転送先のものを使う
	req.Host = ""

	// コンテキストからユーザーIDとリクエストIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		req.Header.Set("X-User-ID", userID)
	}
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}

	respHeader := resp.Header.Clone()
	RemoveHopByHop(respHeader)
	respHeader.Del("Content-Length")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     respHeader,
		Body:       respBody,
	}, nil
}

// classify は送信エラーをErrTimeoutまたはErrUnavailableに分類する。
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// RemoveHopByHop はホップバイホップヘッダーと、Connectionヘッダーで指定されたヘッダーを取り除く。
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
	contextKeyUserID contextKey = "user_id"
	// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
	contextKeyRequestID contextKey = "request_id"
)

// WithUserID はコンテキストにユーザーIDを設定する。
// 転送時にX-User-IDヘッダーとして伝播される。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// WithRequestID はコンテキストにリクエストIDを設定する。
// 転送時にX-Request-IDヘッダーとして伝播される。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
