// Package config は環境変数からゲートウェイの設定を読み込む。
//
// 未設定の項目には既定値を使う。値が設定されているのに解釈できない場合は
// 既定値で置き換えずに起動エラーとする。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はゲートウェイの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string

	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string
	// AuthServicePrefix は認証サービス側のパス接頭辞。
	AuthServicePrefix string
	// FileServiceURL はファイルサービスのベースURL。
	FileServiceURL string
	// FileServicePrefix はファイルサービス側のパス接頭辞。
	FileServicePrefix string
	// UpstreamTimeout はバックエンドの応答を待つ最大時間。
	UpstreamTimeout time.Duration

	// RedisAddr は共有ストア（Redis）のアドレス。
	RedisAddr string
	// RedisPassword はRedisの認証パスワード。
	RedisPassword string
	// RedisDB はRedisのデータベース番号。
	RedisDB int
	// StoreTimeout は共有ストアへの1回の操作に許容する最大時間。
	StoreTimeout time.Duration

	// KafkaBrokers はイベントログ（Kafka）のブローカー一覧。
	KafkaBrokers []string

	// JWTSecret はトークン署名の共有鍵。
	JWTSecret string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// TrustedProxies はX-Forwarded-Forを信用するプロキシのCIDR一覧。
	TrustedProxies []string

	// RateLimitWindow はレートカウンタのウィンドウ長。
	RateLimitWindow time.Duration
	// RateLimitMax はウィンドウ内で許可する最大リクエスト数。
	RateLimitMax int64
	// SlowDownAfter はこの数を超えたリクエストから遅延を加える。
	SlowDownAfter int64
	// SlowDownDelay はソフト上限を1件超えるごとに加える遅延。
	SlowDownDelay time.Duration
	// SlowDownMaxDelay は遅延の上限。0の場合は上限なし。
	SlowDownMaxDelay time.Duration

	// ResponseCacheTTL はレスポンスキャッシュの有効期間。
	ResponseCacheTTL time.Duration
	// ResponseCacheMaxBytes はキャッシュするボディの最大サイズ。
	ResponseCacheMaxBytes int
	// IdentityCacheTTL はID情報キャッシュの有効期間。
	IdentityCacheTTL time.Duration

	// EventQueueSize はイベント送信キューの容量。
	EventQueueSize int
	// EventWorkers はイベント送信ワーカー数。
	EventWorkers int
	// EventPublishTimeout はイベント1件の送信に許容する時間。
	EventPublishTimeout time.Duration

	// MaxBodyBytes は受け付けるリクエストボディの最大サイズ。
	MaxBodyBytes int64

	// LogLevel はログレベル。
	LogLevel string
	// LogFormat はログの出力形式（json または console）。
	LogFormat string
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom は指定した関数で環境変数を参照して設定を読み込む。
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := &env{getenv: getenv}

	cfg := &Config{
		Port: e.str("PORT", "8080"),

		AuthServiceURL:    e.str("AUTH_SERVICE_URL", "http://localhost:3001"),
		AuthServicePrefix: e.str("AUTH_SERVICE_PREFIX", "/api/auth"),
		FileServiceURL:    e.str("FILE_SERVICE_URL", "http://localhost:3002"),
		FileServicePrefix: e.str("FILE_SERVICE_PREFIX", "/api/files"),
		UpstreamTimeout:   e.duration("UPSTREAM_TIMEOUT", 30*time.Second),

		RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.int("REDIS_DB", 0),
		StoreTimeout:  e.duration("STORE_TIMEOUT", 500*time.Millisecond),

		KafkaBrokers: e.list("KAFKA_BROKERS", []string{"localhost:9092"}),

		JWTSecret:      e.str("JWT_SECRET", "dev-secret-key"),
		FrontendURL:    e.str("FRONTEND_URL", "http://localhost:3000"),
		TrustedProxies: e.list("TRUSTED_PROXIES", nil),

		RateLimitWindow:  e.duration("RATE_LIMIT_WINDOW", 15*time.Minute),
		RateLimitMax:     int64(e.int("RATE_LIMIT_MAX", 100)),
		SlowDownAfter:    int64(e.int("SLOW_DOWN_AFTER", 50)),
		SlowDownDelay:    e.duration("SLOW_DOWN_DELAY", 500*time.Millisecond),
		SlowDownMaxDelay: e.duration("SLOW_DOWN_MAX_DELAY", 0),

		ResponseCacheTTL:      e.duration("RESPONSE_CACHE_TTL", 5*time.Minute),
		ResponseCacheMaxBytes: e.int("RESPONSE_CACHE_MAX_BYTES", 1<<20),
		IdentityCacheTTL:      e.duration("IDENTITY_CACHE_TTL", time.Hour),

		EventQueueSize:      e.int("EVENT_QUEUE_SIZE", 1024),
		EventWorkers:        e.int("EVENT_WORKERS", 1),
		EventPublishTimeout: e.duration("EVENT_PUBLISH_TIMEOUT", 5*time.Second),

		MaxBodyBytes: int64(e.int("MAX_BODY_BYTES", 50<<20)),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// validate は値の範囲と組み合わせを検証する。
func (c *Config) validate() error {
	var errs []error
	for name, raw := range map[string]string{"AUTH_SERVICE_URL": c.AuthServiceURL, "FILE_SERVICE_URL": c.FileServiceURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s はスキームとホストを含むURLである必要があります: %q", name, raw))
		}
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET が空です"))
	}
	if c.UpstreamTimeout <= 0 || c.StoreTimeout <= 0 || c.EventPublishTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT, STORE_TIMEOUT, EVENT_PUBLISH_TIMEOUT は正の値である必要があります"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW は正の値である必要があります"))
	}
	if c.RateLimitMax < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX は1以上である必要があります"))
	}
	if c.SlowDownAfter < 0 || c.SlowDownAfter > c.RateLimitMax {
		errs = append(errs, fmt.Errorf("SLOW_DOWN_AFTER は0以上RATE_LIMIT_MAX(%d)以下である必要があります", c.RateLimitMax))
	}
	if c.SlowDownDelay < 0 || c.SlowDownMaxDelay < 0 {
		errs = append(errs, errors.New("SLOW_DOWN_DELAY, SLOW_DOWN_MAX_DELAY は0以上である必要があります"))
	}
	if c.ResponseCacheTTL <= 0 || c.IdentityCacheTTL <= 0 {
		errs = append(errs, errors.New("RESPONSE_CACHE_TTL, IDENTITY_CACHE_TTL は正の値である必要があります"))
	}
	if c.ResponseCacheMaxBytes < 0 || c.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("RESPONSE_CACHE_MAX_BYTES は0以上、MAX_BODY_BYTES は1以上である必要があります"))
	}
	if c.EventQueueSize < 1 || c.EventWorkers < 1 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE, EVENT_WORKERS は1以上である必要があります"))
	}
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS が空です"))
	}
	return errors.Join(errs...)
}

// env は環境変数の読み取りと解釈エラーの蓄積を行う。
type env struct {
	getenv func(string) string
	errs   []error
}

// str は文字列の値を返す。未設定の場合は既定値を返す。
func (e *env) str(key, defaultValue string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// int は整数の値を返す。
func (e *env) int(key string, defaultValue int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の値が整数ではありません: %q", key, v))
		return defaultValue
	}
	return n
}

// duration は時間の値を返す。"500ms" のような単位付きの値と、ミリ秒の整数を受け付ける。
func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultValue
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s の値が時間として解釈できません: %q", key, v))
		return defaultValue
	}
	return d
}

// list はカンマ区切りの値を返す。空の要素は取り除く。
func (e *env) list(key string, defaultValue []string) []string {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
