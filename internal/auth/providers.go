package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/toolshelf/internal/model"
)

const (
	microsoftDiscoveryURLFormat = "https://login.microsoftonline.com/%s/v2.0"
	microsoftIssuer             = "https://login.microsoftonline.com/" + tenantPlaceholder + "/v2.0"
	googleIssuer                = "https://accounts.google.com"

	// DefaultMicrosoftTenant は個人・組織アカウントの両方を受け付けるテナント指定。
	DefaultMicrosoftTenant = "common"
)

// ClientCredentials はIdPに登録したクライアントの資格情報。
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// ProviderOptions はプロバイダー共通の通信設定。
type ProviderOptions struct {
	// BaseURL はコールバックURLの組み立てに使う外部公開URL。
	BaseURL          string
	HTTPClient       *http.Client
	ValidateEndpoint func(rawURL string) error
}

// CallbackURL はプロバイダーのコールバックURLを返す。
func CallbackURL(baseURL string, name model.Provider) string {
	return strings.TrimRight(baseURL, "/") + "/callback/" + string(name)
}

// NewMicrosoftProvider はMicrosoft Entra ID（v2.0エンドポイント）のプロバイダーを生成する。
// tenantが空の場合はDefaultMicrosoftTenantを使う。IDトークンのissuerはtidクレームのテナントで照合する。
func NewMicrosoftProvider(creds ClientCredentials, tenant string, opts ProviderOptions) *OIDCProvider {
	if tenant == "" {
		tenant = DefaultMicrosoftTenant
	}
	return NewOIDCProvider(OIDCConfig{
		Name:             model.ProviderMicrosoft,
		ClientID:         creds.ClientID,
		ClientSecret:     creds.ClientSecret,
		RedirectURL:      CallbackURL(opts.BaseURL, model.ProviderMicrosoft),
		DiscoveryURL:     fmt.Sprintf(microsoftDiscoveryURLFormat, tenant),
		Issuer:           microsoftIssuer,
		HTTPClient:       opts.HTTPClient,
		ValidateEndpoint: opts.ValidateEndpoint,
	})
}

// NewGoogleProvider はGoogleのプロバイダーを生成する。
func NewGoogleProvider(creds ClientCredentials, opts ProviderOptions) *OIDCProvider {
	return NewOIDCProvider(OIDCConfig{
		Name:             model.ProviderGoogle,
		ClientID:         creds.ClientID,
		ClientSecret:     creds.ClientSecret,
		RedirectURL:      CallbackURL(opts.BaseURL, model.ProviderGoogle),
		DiscoveryURL:     googleIssuer,
		HTTPClient:       opts.HTTPClient,
		ValidateEndpoint: opts.ValidateEndpoint,
	})
}
