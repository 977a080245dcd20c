package handler

import (
	"net/http"

	"github.com/hitoshi/toolshelf/internal/model"
)

const (
	flashCookieName = "flash"
	flashMaxAge     = 60
)

// フラッシュメッセージのコード。Cookieにはコードのみを載せ、文言はサーバー側で引く。
const (
	flashProviderFailure     = "provider-failure"
	flashProviderUnavailable = "provider-unavailable"
	flashNoEmail             = "no-email"
	flashDomainNotAuthorized = "domain-not-authorized"
	flashEmailNotVerified    = "email-not-verified"
	flashLocked              = "locked"
	flashLoggedOut           = "logged-out"
)

var flashMessages = map[string]string{
	flashProviderFailure:     "ログインに失敗しました。もう一度お試しください。",
	flashProviderUnavailable: "ログインサービスに接続できません。しばらく待ってから再度お試しください。",
	flashNoEmail:             "メールアドレスを取得できませんでした。アカウントにメールアドレスが設定されているか確認してください。",
	flashDomainNotAuthorized: "このメールアドレスのドメインではログインできません。組織のアカウントを使用してください。",
	flashEmailNotVerified:    "メールアドレスが確認されていません。IdP側で確認を済ませてから再度お試しください。",
	flashLocked:              "ログインの失敗が続いたため、アカウントを一時的にロックしています。しばらく待ってから再度お試しください。",
	flashLoggedOut:           "ログアウトしました。",
}

var rejectFlash = map[model.RejectReason]string{
	model.RejectProviderFailure:     flashProviderFailure,
	model.RejectNoEmail:             flashNoEmail,
	model.RejectDomainNotAuthorized: flashDomainNotAuthorized,
	model.RejectEmailNotVerified:    flashEmailNotVerified,
	model.RejectLocked:              flashLocked,
}

// flashForReject は拒否理由に対応するフラッシュコードを返す。
func flashForReject(reason model.RejectReason) string {
	if code, ok := rejectFlash[reason]; ok {
		return code
	}
	return flashProviderFailure
}

func setFlash(w http.ResponseWriter, domain, code string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    code,
		Path:     "/",
		Domain:   domain,
		MaxAge:   flashMaxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash はフラッシュCookieを読み取って削除し、表示する文言を返す。
// 未知のコードは無視する。
func popFlash(w http.ResponseWriter, r *http.Request, domain string) string {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	clearCookie(w, flashCookieName, domain)
	return flashMessages[cookie.Value]
}

// clearCookie はCookieを削除する。
func clearCookie(w http.ResponseWriter, name, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
