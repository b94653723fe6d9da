package websession

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const cookieIssuer = "tradehub"

var signingMethod = jwt.SigningMethodHS256

// ErrInvalidCookie はCookieの署名・形式・有効期限の検証に失敗したことを示す。
var ErrInvalidCookie = errors.New("invalid session cookie")

type cookieClaims struct {
	jwt.RegisteredClaims
}

// CookieCodec はWebセッションIDをHS256署名付きJWTとしてCookie値に変換する。
type CookieCodec struct {
	secret []byte
}

// NewCookieCodec はCookieCodecを生成する。
func NewCookieCodec(secret string) *CookieCodec {
	return &CookieCodec{secret: []byte(secret)}
}

// Encode はセッションIDと有効期限からCookie値を生成する。
func (c *CookieCodec) Encode(sessionID string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := cookieClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    cookieIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Decode はCookie値を検証してセッションIDを返す。
// 署名方式がHS256以外、署名不一致、期限切れ、発行者不一致の場合はErrInvalidCookieを返す。
func (c *CookieCodec) Decode(value string) (string, error) {
	claims := new(cookieClaims)
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		method, ok := token.Method.(*jwt.SigningMethodHMAC)
		if !ok || method.Alg() != signingMethod.Alg() {
			return nil, errors.New("invalid signing method found on jwt")
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.Issuer != cookieIssuer || claims.ID == "" {
		return "", ErrInvalidCookie
	}
	return claims.ID, nil
}
