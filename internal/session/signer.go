// Package session はログインセッションの発行、検証、破棄を提供する。
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer は署名するトークンのiss。
	Issuer = "toolshelf"
	// AudienceSession はセッションCookie用トークンのaud。
	AudienceSession = "toolshelf-session"
	// AudienceHandshake はハンドシェイクCookie用トークンのaud。
	AudienceHandshake = "toolshelf-handshake"
)

// ErrInvalidToken は署名、期限、用途のいずれかが不正なトークンを表す。
var ErrInvalidToken = errors.New("invalid token")

// Signer はSECRET_KEYを鍵にHS256でCookieの値に署名する。
// 用途ごとにaudを分け、あるCookieの値を別のCookieとして使い回せないようにする。
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner はSignerを生成する。
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret), now: time.Now}
}

// Sign はclaimsにHS256で署名したトークン文字列を返す。
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify はトークンの署名、iss、aud、expを検証してclaimsに展開する。
// 失敗した場合はErrInvalidTokenを包んだエラーを返す。
func (s *Signer) Verify(token, audience string, claims jwt.Claims) error {
	if token == "" {
		return ErrInvalidToken
	}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// registered は共通の登録済みクレームを組み立てる。
func (s *Signer) registered(audience, subject string, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}
