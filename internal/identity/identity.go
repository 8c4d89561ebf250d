// Package identity はBearerトークンの検証と、検証済みID情報のキャッシュを提供する。
//
// 失効リストの確認 → 署名と有効期限の検証 → ID情報キャッシュへの登録の順に処理する。
// キャッシュはID情報を保持するだけで、検証を省略するためには使わない。
// 署名検証はキャッシュの有無にかかわらず毎回実行する。
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/apperr"
	"github.com/nao1215/filegate/internal/store"
)

const (
	// revocationKeyPrefix は失効トークンレコードのキー接頭辞。
	revocationKeyPrefix = "blacklist:"
	// identityKeyPrefix はID情報キャッシュのキー接頭辞。
	identityKeyPrefix = "user:"
	// DefaultTTL はID情報キャッシュの既定の有効期間。
	DefaultTTL = time.Hour
)

// Identity はトークンから取り出した検証済みのクレーム。生成後は変更しない。
type Identity struct {
	// Subject はユーザーの一意識別子。
	Subject string `json:"sub"`
	// Username はユーザー名。
	Username string `json:"username,omitempty"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// IssuedAt はトークンの発行日時。
	IssuedAt time.Time `json:"iat"`
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time `json:"exp"`
}

// Cache はトークン検証とID情報キャッシュを担う。
type Cache struct {
	store  store.Store
	secret []byte
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// Option はCacheの設定を変更する関数。
type Option func(*Cache)

// WithTTL はID情報キャッシュの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock は有効期限の判定に使う現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New は新しいCacheを生成する。
func New(st store.Store, secret string, opts ...Option) *Cache {
	c := &Cache{
		store:  st,
		secret: []byte(secret),
		ttl:    DefaultTTL,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RevocationKey は失効トークンレコードのキーを返す。
func RevocationKey(token string) string {
	return revocationKeyPrefix + token
}

// CacheKey はID情報キャッシュのキーを返す。
func CacheKey(subject string) string {
	return identityKeyPrefix + subject
}

// Validate はBearerトークンを検証し、ID情報を返す。
func (c *Cache) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "認証トークンが必要です")
	}

	if c.isRevoked(ctx, token) {
		return nil, apperr.New(apperr.KindRevoked, "トークンは失効しています")
	}

	id, err := c.verify(token)
	if err != nil {
		return nil, err
	}

	c.remember(ctx, id)
	return id, nil
}

// isRevoked は失効リストを確認する。ストア障害時は未失効として扱う。
func (c *Cache) isRevoked(ctx context.Context, token string) bool {
	value, found, err := c.store.Get(ctx, RevocationKey(token))
	if err != nil {
		c.logger.Warn().Err(err).Msg("失効リストの確認に失敗したため未失効として続行します")
		return false
	}
	if !found {
		return false
	}
	switch string(value) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// verify は署名と有効期限を検証する。
func (c *Cache) verify(token string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.KindInvalidToken, "トークンの有効期限が切れています", err)
		}
		return nil, apperr.Wrap(apperr.KindInvalidToken, "トークンが無効です", err)
	}
	if !parsed.Valid || claims.subject() == "" {
		return nil, apperr.New(apperr.KindInvalidToken, "トークンが無効です")
	}

	id := &Identity{
		Subject:  claims.subject(),
		Username: claims.Username,
		Email:    claims.Email,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// remember はID情報をキャッシュに登録する。既に存在する場合は何もしない。
// 書き込みの失敗はリクエストを失敗させない。
func (c *Cache) remember(ctx context.Context, id *Identity) {
	payload, err := json.Marshal(id)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", id.Subject).Msg("ID情報のシリアライズに失敗")
		return
	}
	if _, err := c.store.SetNX(ctx, CacheKey(id.Subject), payload, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("subject", id.Subject).Msg("ID情報キャッシュへの書き込みに失敗")
	}
}
