package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector

	// ミドルウェア依存
	SessionResolver middleware.SessionResolver
	RateLimiter     middleware.Limiter
	CSRF            middleware.CSRFConfig

	// ログイン
	LoginService LoginServiceInterface
	AuthConfig   AuthHandlerConfig

	// 管理者
	AuditLister     AuditListerInterface
	AccountUnlocker AccountUnlockerInterface

	Health HealthChecker

	// TrustedProxies はX-Forwarded-Forを付加する信頼済みリバースプロキシの段数。
	TrustedProxies int
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → ClientIP → Logging → SecurityHeaders → CSRF → Session
//
// /login/{provider} と /callback/{provider} にはそれぞれ独立したレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RequestID)
	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger, collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
	r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))

	authHandler := NewAuthHandler(deps.LoginService, deps.AuthConfig)
	catalogHandler := NewCatalogHandler()
	adminHandler := NewAdminHandler(deps.AuditLister, deps.AccountUnlocker)
	healthHandler := NewHealthHandler(deps.Health)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler.Health)
	r.Get("/login", authHandler.LoginPage)
	r.With(middleware.NewRateLimitMiddleware(deps.RateLimiter, "login", collector)).
		Get("/login/{provider}", authHandler.Begin)
	r.With(middleware.NewRateLimitMiddleware(deps.RateLimiter, "callback", collector)).
		Get("/callback/{provider}", authHandler.Callback)
	r.Post("/logout", authHandler.Logout)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuthenticated)
		r.Get("/", catalogHandler.Index)
	})

	// --- 管理者のみ ---
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Get("/audit", adminHandler.ListAudit)
		r.Post("/accounts/{id}/unlock", adminHandler.UnlockAccount)
	})

	return r
}
