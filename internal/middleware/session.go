// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/toolshelf/internal/model"
)

// SessionCookieName はセッションCookieの名前。
const SessionCookieName = "session"

// LoginPath は未認証リクエストのリダイレクト先。
const LoginPath = "/login"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// accountContextKey はリクエストコンテキストに認証済みアカウントを格納するためのキー。
var accountContextKey = contextKey("account")

// SessionResolver はセッションCookieからアカウントを解決する。
// *session.Managerが実装する。
type SessionResolver interface {
	Resolve(ctx context.Context, cookie string) (*model.Account, error)
}

// NewSessionMiddleware はsession Cookieを解決し、認証済みアカウントを
// リクエストコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストはそのまま通し、拒否は各ルートのガードに任せる。
// セッションストアが利用できない場合のみ500を返す。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			account, err := resolver.Resolve(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if account == nil {
				next.ServeHTTP(w, r)
				return
			}

			annotateRequest(r.Context(), account.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), account)))
		})
	}
}

// CurrentAccount はリクエストコンテキストの認証済みアカウントを返す。未認証の場合はnil。
func CurrentAccount(ctx context.Context) *model.Account {
	account, _ := ctx.Value(accountContextKey).(*model.Account)
	return account
}

// ContextWithAccount はコンテキストにアカウントを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

// Authorize はコンテキストのアカウントに対する認可判定を行う。
// 未認証の場合はmodel.ErrUnauthenticated、
// needAdminで管理者でない場合はmodel.ErrForbiddenを返す。
func Authorize(ctx context.Context, needAdmin bool) (*model.Account, error) {
	account := CurrentAccount(ctx)
	if account == nil {
		return nil, model.ErrUnauthenticated
	}
	if needAdmin && !account.IsAdmin {
		return account, model.ErrForbidden
	}
	return account, nil
}

// RequireAuthenticated は未認証のリクエストをログイン画面へリダイレクトする。
func RequireAuthenticated(next http.Handler) http.Handler {
	return guard(false, next)
}

// RequireAdmin は未認証のリクエストをログイン画面へリダイレクトし、
// 管理者でないアカウントには403を返す。
func RequireAdmin(next http.Handler) http.Handler {
	return guard(true, next)
}

func guard(needAdmin bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, err := Authorize(r.Context(), needAdmin)
		switch {
		case errors.Is(err, model.ErrUnauthenticated):
			http.Redirect(w, r, LoginPath, http.StatusFound)
		case errors.Is(err, model.ErrForbidden):
			slog.Warn("admin access denied",
				slog.String("account_id", account.ID),
				slog.String("path", r.URL.Path),
			)
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		default:
			next.ServeHTTP(w, r)
		}
	})
}
