package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hitoshi/toolshelf/internal/model"
)

// tenantPlaceholder はMicrosoftのマルチテナント用issuerに含まれるテナントIDのプレースホルダー。
const tenantPlaceholder = "{tenantid}"

// OIDCConfig はOIDCProviderの設定。
type OIDCConfig struct {
	Name         model.Provider
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// DiscoveryURL はディスカバリ文書の基点URL。/.well-known/openid-configuration を付けて取得する。
	DiscoveryURL string
	// Issuer はIDトークンに期待するissuer。空の場合はDiscoveryURLと同じ。
	// {tenantid} を含む場合はトークンのtidクレームで置き換えて照合する。
	Issuer string
	Scopes []string

	// HTTPClient はIdPとの通信に使うクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	// ValidateEndpoint はディスカバリ文書に記載されたURLの検証関数。nilの場合は検証しない。
	ValidateEndpoint func(rawURL string) error
}

// idTokenClaims はIDトークンとuserinfoのうち利用するクレーム。
type idTokenClaims struct {
	Subject       string          `json:"sub"`
	Email         string          `json:"email"`
	EmailVerified json.RawMessage `json:"email_verified,omitempty"`
	Name          string          `json:"name"`
	TenantID      string          `json:"tid"`
}

// OIDCProvider は認可コードフロー（PKCE S256、nonce付き）でIdPと通信する。
// ディスカバリ文書とJWKSは初回利用時に取得してキャッシュする。
type OIDCProvider struct {
	cfg    OIDCConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewOIDCProvider はOIDCProviderを生成する。通信は最初のハンドシェイクまで行わない。
func NewOIDCProvider(cfg OIDCConfig) *OIDCProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = cfg.DiscoveryURL
	}
	return &OIDCProvider{cfg: cfg, client: client, now: time.Now}
}

// Name はプロバイダー識別子を返す。
func (p *OIDCProvider) Name() model.Provider {
	return p.cfg.Name
}

// AuthCodeURL は認可エンドポイントのURLを返す。
func (p *OIDCProvider) AuthCodeURL(ctx context.Context, h *Handshake) (string, error) {
	provider, err := p.metadata(ctx)
	if err != nil {
		return "", err
	}
	return p.oauth2Config(provider).AuthCodeURL(h.State,
		oauth2.S256ChallengeOption(h.Verifier),
		oauth2.SetAuthURLParam("nonce", h.Nonce),
	), nil
}

// Exchange は認可コードをトークンに交換し、IDトークンを検証してClaimを返す。
// IDトークンにemailかnameが無い場合のみuserinfoエンドポイントに1回問い合わせる。
func (p *OIDCProvider) Exchange(ctx context.Context, h *Handshake, code string) (*Claim, error) {
	provider, err := p.metadata(ctx)
	if err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, p.client)
	tok, err := p.oauth2Config(provider).Exchange(ctx, code, oauth2.VerifierOption(h.Verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, errors.New("token response has no id_token")
	}

	claims, err := p.verifyIDToken(ctx, provider, rawIDToken, h.Nonce)
	if err != nil {
		return nil, err
	}

	claim := &Claim{
		Subject:         claims.Subject,
		Email:           claims.Email,
		DisplayName:     claims.Name,
		EmailUnverified: isExplicitFalse(claims.EmailVerified),
	}

	if (claim.Email == "" || claim.DisplayName == "") && provider.UserInfoEndpoint() != "" {
		info, err := p.fetchUserinfo(ctx, provider, tok)
		if err != nil {
			return nil, err
		}
		if info.Subject != "" && info.Subject != claim.Subject {
			return nil, errors.New("userinfo subject does not match id_token")
		}
		if claim.Email == "" {
			claim.Email = info.Email
			claim.EmailUnverified = isExplicitFalse(info.EmailVerified)
		}
		if claim.DisplayName == "" {
			claim.DisplayName = info.Name
		}
	}

	return claim, nil
}

func (p *OIDCProvider) oauth2Config(provider *oidc.Provider) *oauth2.Config {
	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Scopes:       p.cfg.Scopes,
		Endpoint:     endpoint,
	}
}

// verifyIDToken はIDトークンの署名（RS256のみ）、aud、exp、iss、nonceを検証する。
// 署名鍵はJWKSからkidで選び、未知のkidでは1回だけ再取得する。
func (p *OIDCProvider) verifyIDToken(ctx context.Context, provider *oidc.Provider, raw, nonce string) (*idTokenClaims, error) {
	multiTenant := strings.Contains(p.cfg.Issuer, tenantPlaceholder)
	verifier := provider.Verifier(&oidc.Config{
		ClientID:             p.cfg.ClientID,
		SupportedSigningAlgs: []string{oidc.RS256},
		SkipIssuerCheck:      multiTenant,
		Now:                  p.now,
	})

	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid id_token: %w", err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("invalid id_token claims: %w", err)
	}

	if multiTenant {
		if claims.TenantID == "" {
			return nil, errors.New("invalid id_token: tid claim is required")
		}
		if want := strings.ReplaceAll(p.cfg.Issuer, tenantPlaceholder, claims.TenantID); idToken.Issuer != want {
			return nil, fmt.Errorf("invalid id_token: unexpected issuer %q", idToken.Issuer)
		}
	}

	if idToken.Nonce == "" || subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, errors.New("invalid id_token: nonce mismatch")
	}

	claims.Subject = idToken.Subject
	return &claims, nil
}

func (p *OIDCProvider) fetchUserinfo(ctx context.Context, provider *oidc.Provider, tok *oauth2.Token) (*idTokenClaims, error) {
	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	var claims idTokenClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	claims.Subject = info.Subject
	return &claims, nil
}

// metadata はキャッシュ済みのプロバイダー情報を返す。未取得ならディスカバリ文書を取得する。
// 取得に失敗した場合はキャッシュせず、次回のハンドシェイクで再試行する。
func (p *OIDCProvider) metadata(ctx context.Context) (*oidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.provider != nil {
		return p.provider, nil
	}

	// issuerの照合は下でプレースホルダーを考慮して行う。
	// JWKSの取得にもこのクライアントが引き継がれる。
	discoveryCtx := oidc.InsecureIssuerURLContext(oidc.ClientContext(ctx, p.client), p.cfg.Issuer)
	provider, err := oidc.NewProvider(discoveryCtx, p.cfg.DiscoveryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load discovery document: %w", err)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if !issuerMatches(p.cfg.Issuer, doc.Issuer) {
		return nil, fmt.Errorf("discovery document issuer %q does not match %q", doc.Issuer, p.cfg.Issuer)
	}

	endpoint := provider.Endpoint()
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" || doc.JWKSURI == "" {
		return nil, errors.New("discovery document is incomplete")
	}
	if p.cfg.ValidateEndpoint != nil {
		for _, u := range []string{endpoint.AuthURL, endpoint.TokenURL, doc.JWKSURI, provider.UserInfoEndpoint()} {
			if u == "" {
				continue
			}
			if err := p.cfg.ValidateEndpoint(u); err != nil {
				return nil, fmt.Errorf("discovery document endpoint rejected: %w", err)
			}
		}
	}

	p.provider = provider
	return p.provider, nil
}

// issuerMatches はディスカバリ文書のissuerが期待値と一致するかを返す。
// 期待値に{tenantid}がある場合、その位置はスラッシュを含まない任意の値（プレースホルダー自身を含む）に一致する。
func issuerMatches(want, got string) bool {
	prefix, suffix, ok := strings.Cut(want, tenantPlaceholder)
	if !ok {
		return want == got
	}
	if !strings.HasPrefix(got, prefix) || !strings.HasSuffix(got, suffix) || len(got) <= len(prefix)+len(suffix) {
		return false
	}
	tenant := got[len(prefix) : len(got)-len(suffix)]
	return !strings.Contains(tenant, "/")
}

// isExplicitFalse はemail_verifiedクレームがfalse（真偽値または文字列）の場合にtrueを返す。
func isExplicitFalse(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return !b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "false")
	}
	return false
}

var _ Provider = (*OIDCProvider)(nil)
