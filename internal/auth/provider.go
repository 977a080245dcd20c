// Package auth は外部IdP（OpenID Connect）とのログインハンドシェイクを提供する。
package auth

import (
	"context"
	"time"

	"github.com/hitoshi/toolshelf/internal/model"
)

// HandshakeTTL はハンドシェイク開始からコールバックまでの有効期間。
const HandshakeTTL = 10 * time.Minute

// Handshake は認可リクエスト時に生成し、コールバックで照合する一時的な値の組。
// サーバー側には保存せず、署名付きCookieでブラウザに預ける。
type Handshake struct {
	Provider model.Provider
	// State はコールバックのCSRF対策に使う乱数。
	State string
	// Nonce はIDトークンのリプレイ対策に使う乱数。
	Nonce string
	// Verifier はPKCE（S256）のcode_verifier。
	Verifier string
	IssuedAt time.Time
}

// Claim はIdPが検証済みとして返したユーザー情報。
type Claim struct {
	Provider    model.Provider
	Subject     string
	Email       string
	DisplayName string
	// EmailUnverified はIdPがemail_verified=falseを明示した場合のみtrueになる。
	// クレーム自体が無い場合はfalse。
	EmailUnverified bool
}

// Provider は1つのOIDCプロバイダーとの通信を抽象化する。
type Provider interface {
	// Name はプロバイダー識別子を返す。
	Name() model.Provider
	// AuthCodeURL はハンドシェイクの値を埋め込んだ認可エンドポイントのURLを返す。
	AuthCodeURL(ctx context.Context, h *Handshake) (string, error)
	// Exchange は認可コードをトークンに交換し、IDトークンを検証してClaimを返す。
	Exchange(ctx context.Context, h *Handshake, code string) (*Claim, error)
}
