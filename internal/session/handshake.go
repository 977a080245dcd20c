package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/toolshelf/internal/auth"
	"github.com/hitoshi/toolshelf/internal/model"
)

type handshakeClaims struct {
	State    string `json:"st"`
	Nonce    string `json:"nn"`
	Verifier string `json:"cv"`
	jwt.RegisteredClaims
}

// SealHandshake はハンドシェイクを署名付きCookieの値に変換する。
// 有効期限はIssuedAtからauth.HandshakeTTL後。
func (s *Signer) SealHandshake(h *auth.Handshake) (string, error) {
	claims := handshakeClaims{
		State:            h.State,
		Nonce:            h.Nonce,
		Verifier:         h.Verifier,
		RegisteredClaims: s.registered(AudienceHandshake, string(h.Provider), h.IssuedAt.Add(auth.HandshakeTTL)),
	}
	claims.IssuedAt = jwt.NewNumericDate(h.IssuedAt)
	return s.Sign(claims)
}

// OpenHandshake は署名付きCookieの値を検証してハンドシェイクに戻す。
func (s *Signer) OpenHandshake(token string) (*auth.Handshake, error) {
	var claims handshakeClaims
	if err := s.Verify(token, AudienceHandshake, &claims); err != nil {
		return nil, err
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: iat is required", ErrInvalidToken)
	}
	return &auth.Handshake{
		Provider: model.Provider(claims.Subject),
		State:    claims.State,
		Nonce:    claims.Nonce,
		Verifier: claims.Verifier,
		IssuedAt: claims.IssuedAt.Time,
	}, nil
}
