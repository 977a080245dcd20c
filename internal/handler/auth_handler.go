// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/toolshelf/internal/auth"
	"github.com/hitoshi/toolshelf/internal/login"
	"github.com/hitoshi/toolshelf/internal/middleware"
	"github.com/hitoshi/toolshelf/internal/model"
)

const oauthStateCookie = "oauth_state"

// LoginServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type LoginServiceInterface interface {
	Begin(ctx context.Context, provider model.Provider) (*login.Started, error)
	CompleteLogin(ctx context.Context, req login.CallbackRequest) (*login.Outcome, error)
	Logout(ctx context.Context, cookie string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	// Providers はログイン画面に表示する、設定済みのプロバイダー。
	Providers []model.Provider
	// LogoURL はログイン画面に表示する組織のロゴ。空の場合は表示しない。
	LogoURL string
}

// AuthHandler はログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service LoginServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service LoginServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

// LoginPage はプロバイダーの選択肢とフラッシュメッセージを表示する。
// 認証済みの場合はトップページへリダイレクトする。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if middleware.CurrentAccount(r.Context()) != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	data := loginPageData{
		Flash:   popFlash(w, r, h.config.CookieDomain),
		LogoURL: h.config.LogoURL,
	}
	for _, p := range h.config.Providers {
		data.Providers = append(data.Providers, providerOption{
			Name:  p,
			Label: providerLabels[p],
			URL:   "/login/" + string(p),
		})
	}
	renderPage(w, loginTemplate, data)
}

// Begin はプロバイダーへのハンドシェイクを開始する。
// ハンドシェイクは署名付きのoauth_state Cookieに保存する。
// GET /login/{provider}
func (h *AuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	started, err := h.service.Begin(r.Context(), provider)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			http.NotFound(w, r)
			return
		}
		var storeErr *model.StoreError
		if errors.As(err, &storeErr) {
			slog.Error("failed to begin login", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		slog.Warn("failed to begin login",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		setFlash(w, h.config.CookieDomain, flashProviderUnavailable)
		http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    started.HandshakeCookie,
		Path:     "/",
		MaxAge:   int(auth.HandshakeTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, started.RedirectURL, http.StatusFound)
}

// Callback はIdPからのコールバックを処理する。
// 成功時はセッションCookieを再発行してトップページへ、拒否時はフラッシュ付きでログイン画面へリダイレクトする。
// GET /callback/{provider}?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	req := login.CallbackRequest{
		Provider:        provider,
		Params:          r.URL.Query(),
		HandshakeCookie: cookieValue(r, oauthStateCookie),
		PriorSession:    cookieValue(r, middleware.SessionCookieName),
	}

	// ハンドシェイクは1回限り
	clearCookie(w, oauthStateCookie, "")

	outcome, err := h.service.CompleteLogin(r.Context(), req)
	if err != nil {
		slog.Error("login callback failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if !outcome.Accepted {
		if outcome.RetryAfter > 0 {
			middleware.SetRetryAfter(w, outcome.RetryAfter)
		}
		setFlash(w, h.config.CookieDomain, flashForReject(outcome.Reason))
		http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    outcome.Session.Cookie,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   int(outcome.Session.ExpiresAt.Sub(h.now()).Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッションを破棄し、ログイン画面へリダイレクトする。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie := cookieValue(r, middleware.SessionCookieName); cookie != "" {
		if err := h.service.Logout(r.Context(), cookie); err != nil {
			// ログアウトに失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	clearCookie(w, middleware.SessionCookieName, h.config.CookieDomain)
	setFlash(w, h.config.CookieDomain, flashLoggedOut)
	http.Redirect(w, r, middleware.LoginPath, http.StatusFound)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
