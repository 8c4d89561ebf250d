// Package respcache は冪等な読み取りリクエストのレスポンスキャッシュを提供する。
//
// キャッシュキーは正規化したルートと利用者の識別子（未認証の場合は "anonymous"）から作る。
// 書き込み系のリクエストによる無効化は行わないため、TTLの間は古い内容が返ることがある。
package respcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/store"
)

const (
	// keyPrefix はレスポンスキャッシュのキー接頭辞。
	keyPrefix = "cache:"
	// anonymous は未認証リクエストのキャッシュキーに使う識別子。
	anonymous = "anonymous"
	// DefaultTTL はキャッシュエントリの既定の有効期間。
	DefaultTTL = 5 * time.Minute
	// DefaultMaxBodyBytes はキャッシュするレスポンスボディの既定の最大サイズ。
	DefaultMaxBodyBytes = 1 << 20
	// defaultMaxWriters は同時に実行する書き込みの最大数。
	defaultMaxWriters = 64
	// writeTimeout はバックグラウンド書き込み1件あたりの最大時間。
	writeTimeout = 2 * time.Second
)

// Entry はキャッシュされたレスポンス。
type Entry struct {
	// Status はHTTPステータスコード。
	Status int `json:"status"`
	// ContentType はレスポンスのContent-Type。
	ContentType string `json:"content_type"`
	// Header はヒット時に再現するレスポンスヘッダー。Content-Typeと呼び出しごとのヘッダーは含まない。
	Header http.Header `json:"header,omitempty"`
	// Body はレスポンスボディ。
	Body []byte `json:"body"`
	// StoredAt はキャッシュに書き込んだ日時。
	StoredAt time.Time `json:"stored_at"`
}

// uncachedHeaders はエントリに保存しないヘッダー。
// 呼び出しごとに異なる値や、利用者間で共有してはならない値を持つ。
var uncachedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Date",
	"Set-Cookie",
	"X-Request-Id",
	"X-Cache",
	"X-Ratelimit-Limit",
	"X-Ratelimit-Remaining",
	"Retry-After",
}

// NewEntry はバックエンドのレスポンスからエントリを作る。
func NewEntry(status int, header http.Header, body []byte) Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range uncachedHeaders {
		h.Del(name)
	}
	if len(h) == 0 {
		h = nil
	}
	return Entry{
		Status:      status,
		ContentType: header.Get("Content-Type"),
		Header:      h,
		Body:        body,
	}
}

// Cache はレスポンスキャッシュ。
type Cache struct {
	store        store.Store
	ttl          time.Duration
	maxBodyBytes int
	logger       zerolog.Logger

	// writers はバックグラウンド書き込みの同時実行数を制限するセマフォ。
	writers chan struct{}
	wg      sync.WaitGroup
}

// Option はCacheの設定を変更する関数。
type Option func(*Cache)

// WithTTL はエントリの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxBodyBytes はキャッシュ対象とするボディの最大サイズを設定する。
func WithMaxBodyBytes(n int) Option {
	return func(c *Cache) { c.maxBodyBytes = n }
}

// WithMaxWriters は同時に実行する書き込みの最大数を設定する。
func WithMaxWriters(n int) Option {
	return func(c *Cache) { c.writers = make(chan struct{}, n) }
}

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New は新しいCacheを生成する。
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:        st,
		ttl:          DefaultTTL,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zerolog.Nop(),
		writers:      make(chan struct{}, defaultMaxWriters),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cacheable はメソッドがキャッシュ対象かどうかを返す。
func Cacheable(method string) bool {
	return method == http.MethodGet
}

// Key はリクエストパス、クエリ、利用者の識別子からキャッシュキーを作る。
// subjectが空の場合は未認証として扱う。
func Key(requestPath, rawQuery, subject string) string {
	route := normalizePath(requestPath)
	if q := normalizeQuery(rawQuery); q != "" {
		route += "?" + q
	}
	if subject == "" {
		subject = anonymous
	}
	return keyPrefix + route + ":" + subject
}

// normalizePath はパスを正規化する。末尾のスラッシュは取り除く。
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if len(cleaned) > 1 {
		cleaned = strings.TrimSuffix(cleaned, "/")
	}
	return cleaned
}

// normalizeQuery はクエリパラメータをキー順に並べ直す。
// パースできないクエリはそのまま使う。
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	return values.Encode()
}

// Lookup はキャッシュを参照する。ストア障害や壊れたエントリはミスとして扱う。
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("レスポンスキャッシュの参照に失敗したためミスとして続行します")
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("壊れたキャッシュエントリを無視します")
		return nil, false
	}
	return &entry, true
}

// ShouldStore はレスポンスをキャッシュに書き込むべきかどうかを返す。
// 成功ステータス（2xx）かつ上限以下のサイズのボディのみ対象とする。
// キーはAccept-Encodingを含まないため、圧縮されたレスポンスは対象外とする。
func (c *Cache) ShouldStore(status int, header http.Header, body []byte) bool {
	if status < 200 || status >= 300 || len(body) > c.maxBodyBytes {
		return false
	}
	if enc := header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	return true
}

// StoreAsync はエントリをバックグラウンドで書き込む。呼び出し元は完了を待たない。
// 同時書き込み数が上限に達している場合は書き込みを破棄する。
// 書き込みの失敗はログに記録するだけで、呼び出し元には返さない。
func (c *Cache) StoreAsync(key string, entry Entry) bool {
	select {
	case c.writers <- struct{}{}:
	default:
		c.logger.Warn().Str("key", key).Msg("キャッシュ書き込みが混雑しているため破棄します")
		return false
	}

	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.writers }()

		payload, err := json.Marshal(entry)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("キャッシュエントリのシリアライズに失敗")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("レスポンスキャッシュへの書き込みに失敗")
		}
	}()
	return true
}

// Wait は実行中のバックグラウンド書き込みがすべて終わるまで待つ。
func (c *Cache) Wait() {
	c.wg.Wait()
}
