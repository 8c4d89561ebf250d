package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// issuer はゲートウェイが受け付けるトークンの発行者名。
const issuer = "filegate-auth"

// Claims はJWTトークンのクレーム（ペイロード）を表す。
// 認証サービスが発行し、ゲートウェイとファイルサービスが検証する。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Username はユーザー名。
	Username string `json:"username,omitempty"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// subject はクレームから主体の識別子を取り出す。user_idが無ければsubを使う。
func (c *Claims) subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Sign はID情報からHS256で署名したJWTトークンを生成する。
// トークン発行は認証サービスの責務であり、ゲートウェイでは運用ツールとテストから使用する。
func Sign(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	issuedAt := id.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	expiresAt := id.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(ttl)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    issuer,
		},
		UserID:   id.Subject,
		Username: id.Username,
		Email:    id.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
