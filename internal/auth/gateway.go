package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/toolshelf/internal/model"
)

// ハンドシェイク検証の失敗理由。呼び出し側には*model.ProviderErrorで包んで返す。
var (
	ErrUnknownProvider   = errors.New("provider is not registered")
	ErrProviderDenied    = errors.New("provider returned an error")
	ErrHandshakeMissing  = errors.New("handshake is missing")
	ErrHandshakeMismatch = errors.New("handshake belongs to another provider")
	ErrHandshakeExpired  = errors.New("handshake has expired")
	ErrStateMismatch     = errors.New("state mismatch")
	ErrMissingCode       = errors.New("authorization code is missing")
)

// Gateway は登録済みプロバイダーへのハンドシェイクを仲介する。
type Gateway struct {
	providers map[model.Provider]Provider
	now       func() time.Time
}

// NewGateway は指定したプロバイダーを登録したGatewayを生成する。
func NewGateway(providers ...Provider) *Gateway {
	g := &Gateway{
		providers: make(map[model.Provider]Provider, len(providers)),
		now:       time.Now,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	return g
}

// Enabled は登録済みのプロバイダーを表示順で返す。
func (g *Gateway) Enabled() []model.Provider {
	var enabled []model.Provider
	for _, p := range model.KnownProviders {
		if _, ok := g.providers[p]; ok {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

// Begin はハンドシェイクを開始し、認可エンドポイントへのリダイレクト先と
// コールバックで照合するHandshakeを返す。
func (g *Gateway) Begin(ctx context.Context, name model.Provider) (string, *Handshake, error) {
	p, ok := g.providers[name]
	if !ok {
		return "", nil, &model.ProviderError{Provider: string(name), Err: ErrUnknownProvider}
	}

	state, err := randomToken(32)
	if err != nil {
		return "", nil, &model.ProviderError{Provider: string(name), Err: err}
	}
	nonce, err := randomToken(16)
	if err != nil {
		return "", nil, &model.ProviderError{Provider: string(name), Err: err}
	}

	h := &Handshake{
		Provider: name,
		State:    state,
		Nonce:    nonce,
		Verifier: oauth2.GenerateVerifier(),
		IssuedAt: g.now(),
	}

	redirectURL, err := p.AuthCodeURL(ctx, h)
	if err != nil {
		return "", nil, &model.ProviderError{Provider: string(name), Err: err}
	}
	return redirectURL, h, nil
}

// Complete はコールバックのパラメータをハンドシェイクと照合し、
// 認可コードを交換して検証済みのClaimを返す。
// 失敗した場合は常に*model.ProviderErrorを返し、部分的なClaimは返さない。
func (g *Gateway) Complete(ctx context.Context, name model.Provider, h *Handshake, params url.Values) (*Claim, error) {
	fail := func(err error) (*Claim, error) {
		return nil, &model.ProviderError{Provider: string(name), Err: err}
	}

	p, ok := g.providers[name]
	if !ok {
		return fail(ErrUnknownProvider)
	}
	if e := params.Get("error"); e != "" {
		return fail(fmt.Errorf("%w: %s", ErrProviderDenied, e))
	}
	if h == nil {
		return fail(ErrHandshakeMissing)
	}
	if h.Provider != name {
		return fail(ErrHandshakeMismatch)
	}
	if g.now().Sub(h.IssuedAt) > HandshakeTTL {
		return fail(ErrHandshakeExpired)
	}
	state := params.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(h.State)) != 1 {
		return fail(ErrStateMismatch)
	}
	code := params.Get("code")
	if code == "" {
		return fail(ErrMissingCode)
	}

	claim, err := p.Exchange(ctx, h, code)
	if err != nil {
		return fail(err)
	}
	claim.Provider = name
	claim.Email = strings.ToLower(strings.TrimSpace(claim.Email))
	return claim, nil
}

// randomToken はnバイトの乱数をbase64url（パディングなし）で返す。
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
