package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/toolshelf/internal/model"
)

// newTestChain はRecovery → Logging → SecurityHeaders → CSRF → Session の順に組み立てる。
func newTestChain(logger *slog.Logger, resolver SessionResolver, h http.Handler) http.Handler {
	chain := NewSessionMiddleware(resolver)(h)
	chain = NewCSRFMiddleware(CSRFConfig{})(chain)
	chain = NewSecurityHeadersMiddleware()(chain)
	chain = NewLoggingMiddleware(logger, nil)(chain)
	return NewRecoveryMiddleware(logger)(chain)
}

// TestMiddlewareChain_AuthenticatedRequest_LogsAccountID は
// 内側のセッションミドルウェアが解決したアカウントが外側のリクエストログに出ることを検証する。
func TestMiddlewareChain_AuthenticatedRequest_LogsAccountID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	resolver := resolverFor("valid-cookie", &model.Account{ID: "acct-chain"})

	handler := newTestChain(logger, resolver, RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-cookie"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers should be set")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	if entry["account_id"] != "acct-chain" {
		t.Errorf("account_id = %v, want %q", entry["account_id"], "acct-chain")
	}
}

// TestMiddlewareChain_POSTWithoutCSRF_Returns403 はセッションがあってもCSRFトークンが無ければ拒否されることを検証する。
func TestMiddlewareChain_POSTWithoutCSRF_Returns403(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	resolver := resolverFor("valid-cookie", &model.Account{ID: "acct-chain"})

	handler := newTestChain(logger, resolver, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-cookie"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// TestMiddlewareChain_PanicRecovered はpanicが500に変換されることを検証する。
func TestMiddlewareChain_PanicRecovered(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	handler := newTestChain(logger, &mockSessionResolver{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
