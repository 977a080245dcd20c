package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/toolshelf/internal/model"
)

// newIntegrationRouter はchi.Routerにセッション解決とルートごとのガードを組み込む。
func newIntegrationRouter(resolver SessionResolver, limiter Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewClientIPMiddleware(1))
	r.Use(NewCSRFMiddleware(CSRFConfig{}))
	r.Use(NewSessionMiddleware(resolver))

	r.With(NewRateLimitMiddleware(limiter, "login", nil)).Get("/login/{provider}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAuthenticated)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(CurrentAccount(r.Context()).ID))
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin)
		r.Get("/admin/audit", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

// TestRouterIntegration_Guards はchi.Routerのグループごとにガードが適用されることを検証する。
func TestRouterIntegration_Guards(t *testing.T) {
	resolver := &mockSessionResolverByCookie{accounts: map[string]*model.Account{
		"member-cookie": {ID: "member"},
		"admin-cookie":  {ID: "admin", IsAdmin: true},
	}}
	router := newIntegrationRouter(resolver, NewMemoryLimiter(10, 0))

	tests := []struct {
		name       string
		path       string
		cookie     string
		wantStatus int
	}{
		{"anonymous catalog", "/", "", http.StatusFound},
		{"member catalog", "/", "member-cookie", http.StatusOK},
		{"anonymous admin", "/admin/audit", "", http.StatusFound},
		{"member admin", "/admin/audit", "member-cookie", http.StatusForbidden},
		{"admin admin", "/admin/audit", "admin-cookie", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// TestRouterIntegration_RateLimitUsesProxyAddedClientIP は信頼するプロキシが付加したクライアントIPごとに制限されることを検証する。
func TestRouterIntegration_RateLimitUsesProxyAddedClientIP(t *testing.T) {
	router := newIntegrationRouter(&mockSessionResolver{}, NewMemoryLimiter(2, 0))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/login/google", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", "192.0.2.250, "+ip)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if got := send("203.0.113.7"); got != http.StatusFound {
			t.Fatalf("request %d: status = %d, want %d", i+1, got, http.StatusFound)
		}
	}
	if got := send("203.0.113.7"); got != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want %d", got, http.StatusTooManyRequests)
	}
	if got := send("198.51.100.1"); got != http.StatusFound {
		t.Errorf("other client: status = %d, want %d", got, http.StatusFound)
	}
}

type mockSessionResolverByCookie struct {
	accounts map[string]*model.Account
}

func (m *mockSessionResolverByCookie) Resolve(_ context.Context, cookie string) (*model.Account, error) {
	return m.accounts[cookie], nil
}
