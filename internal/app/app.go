// Package app は設定の読み込みと依存関係のワイヤリングを行い、サブコマンドを実行する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/toolshelf/internal/access"
	"github.com/hitoshi/toolshelf/internal/audit"
	"github.com/hitoshi/toolshelf/internal/auth"
	"github.com/hitoshi/toolshelf/internal/config"
	"github.com/hitoshi/toolshelf/internal/database"
	"github.com/hitoshi/toolshelf/internal/handler"
	"github.com/hitoshi/toolshelf/internal/lockout"
	"github.com/hitoshi/toolshelf/internal/logger"
	"github.com/hitoshi/toolshelf/internal/login"
	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/middleware"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
	"github.com/hitoshi/toolshelf/internal/security"
	"github.com/hitoshi/toolshelf/internal/session"
	"github.com/hitoshi/toolshelf/internal/worker/cleanup"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	logger.SetupDefault(w, cfg.SlogLevel())

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// Components はserveで起動するコンポーネント一式。
type Components struct {
	Router http.Handler
	// Providers は有効なIdP。空の場合はログインできない。
	Providers []model.Provider

	closers []func()
}

// Close はKafkaやRedisとの接続を閉じる。
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// Build はDB接続と設定から全依存関係をワイヤリングする。
// メトリクスはregに登録する。
func Build(cfg *config.Config, db *sql.DB, reg prometheus.Registerer) (*Components, error) {
	c := &Components{}

	// 1. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	collector := metrics.NewCollector(reg)

	// 2. IdPの初期化（外向き通信はSSRFガード付きクライアントに限定する）
	guard := security.NewOutboundGuard()
	opts := auth.ProviderOptions{
		BaseURL:          cfg.BaseURL,
		HTTPClient:       guard.NewProviderClient(cfg.ProviderHTTPTimeout),
		ValidateEndpoint: guard.ValidateEndpoint,
	}
	var providers []auth.Provider
	if cfg.MicrosoftClientID != "" {
		providers = append(providers, auth.NewMicrosoftProvider(auth.ClientCredentials{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
		}, cfg.MicrosoftTenantID, opts))
	}
	if cfg.GoogleClientID != "" {
		providers = append(providers, auth.NewGoogleProvider(auth.ClientCredentials{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		}, opts))
	}
	gateway := auth.NewGateway(providers...)
	c.Providers = gateway.Enabled()
	if len(c.Providers) == 0 {
		slog.Warn("no identity provider is configured; nobody can log in")
	}

	// 3. セッション
	signer := session.NewSigner(cfg.SecretKey)
	sessions := session.NewManager(sessionRepo, accountRepo, signer, cfg.SessionMaxAge)

	// 4. 監査ログ（Kafkaは任意）
	var publisher audit.Publisher
	if len(cfg.AuditKafkaBrokers) > 0 {
		kafkaPublisher, err := audit.NewKafkaPublisher(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit publisher: %w", err)
		}
		publisher = kafkaPublisher
		c.closers = append(c.closers, kafkaPublisher.Close)
	}
	sink := audit.NewSink(auditRepo, publisher, collector)

	// 5. レート制限（REDIS_URLがあればレプリカ間で共有する）
	limiter, err := newLimiter(cfg, c)
	if err != nil {
		c.Close()
		return nil, err
	}

	// 6. ログインサービス
	policy := access.NewPolicy(cfg.AllowedDomains, cfg.AdminEmails)
	if policy.OpenRegistration() {
		slog.Warn("ALLOWED_DOMAINS is empty; any account from an enabled provider can log in")
	}
	loginService := login.NewService(gateway, signer, accountRepo, sessions, sink, login.Config{
		Access:    policy,
		Lockout:   lockout.DefaultPolicy(),
		Sanitizer: security.NewNameSanitizer(),
		Metrics:   collector,
		Tx:        repository.NewPostgresTxRunner(db),
	})

	// 7. ルーターの構築
	c.Router = handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		Metrics:         collector,
		SessionResolver: sessions,
		RateLimiter:     limiter,
		CSRF:            middleware.CSRFConfig{CookieDomain: cfg.CookieDomain},
		LoginService:    loginService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			Providers:    c.Providers,
			LogoURL:      cfg.LoginLogoURL,
		},
		AuditLister:     sink,
		AccountUnlocker: loginService,
		Health:          db,
		TrustedProxies:  cfg.TrustedProxies,
	})
	return c, nil
}

func newLimiter(cfg *config.Config, c *Components) (middleware.Limiter, error) {
	if cfg.RedisURL == "" {
		return middleware.NewMemoryLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, &model.ConfigurationError{Key: "REDIS_URL", Problem: "is not a valid redis URL"}
	}
	client := redis.NewClient(opts)
	c.closers = append(c.closers, func() { client.Close() })
	return middleware.NewRedisLimiter(client, cfg.LoginRateLimit, cfg.LoginRateWindow), nil
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとメトリクスサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	if cfg.AutoMigrate {
		if err := runMigrate(cfg); err != nil {
			return err
		}
	}

	// 2. ワイヤリング
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	components, err := Build(cfg, db, reg)
	if err != nil {
		return err
	}
	defer components.Close()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      components.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 2)
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
			slog.Int("providers", len(components.Providers)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server...")
	case runErr = <-serverErr:
		slog.Error("server listen error", slog.String("error", runErr.Error()))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runCleanup は期限切れセッションを1回だけ削除する。cronからの実行を想定する。
func runCleanup(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())
	return job.Run(ctx)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
