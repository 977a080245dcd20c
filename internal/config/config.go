// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/toolshelf/internal/model"
)

// minSecretKeyLength はSECRET_KEYに要求する最小文字数。
const minSecretKeyLength = 16

// weakSecretKeys は既知のプレースホルダー値。小文字で比較する。
var weakSecretKeys = map[string]bool{
	"dev-secret-change-me": true,
	"change-me":            true,
	"changeme":             true,
	"please-change-me":     true,
	"secret":               true,
	"secret-key":           true,
	"your-secret-key":      true,
	"development":          true,
	"0123456789abcdef":     true,
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Server
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	BaseURL     string `env:"BASE_URL"`

	// TrustedProxies はX-Forwarded-Forを付加する信頼済みリバースプロキシの段数。0ならヘッダーを無視する。
	TrustedProxies int `env:"TRUSTED_PROXIES" envDefault:"0"`

	// Session
	SecretKey     string        `env:"SECRET_KEY"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" envDefault:"168h"`
	CookieDomain  string        `env:"COOKIE_DOMAIN"`

	// Microsoft Entra ID
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenantID     string `env:"MICROSOFT_TENANT_ID" envDefault:"common"`

	// Google
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`

	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"10s"`

	// Access control（小文字化・空要素除去済み）
	AdminEmails    []string `env:"ADMIN_EMAILS" envSeparator:","`
	AllowedDomains []string `env:"ALLOWED_DOMAINS" envSeparator:","`

	// Rate Limit
	LoginRateLimit  int           `env:"LOGIN_RATE_LIMIT" envDefault:"10"`
	LoginRateWindow time.Duration `env:"LOGIN_RATE_WINDOW" envDefault:"1m"`
	// RedisURL が設定された場合、レート制限のカウンターをRedisで共有する。
	RedisURL string `env:"REDIS_URL"`

	// Audit
	AuditKafkaBrokers []string `env:"AUDIT_KAFKA_BROKERS" envSeparator:","`
	AuditKafkaTopic   string   `env:"AUDIT_KAFKA_TOPIC" envDefault:"toolshelf.audit"`

	// UI
	LoginLogoURL string `env:"LOGIN_LOGO_URL"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込んで検証する。
// 必須項目の欠落や弱い署名鍵は*model.ConfigurationErrorとして返す。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, &model.ConfigurationError{Key: "environment", Problem: err.Error()}
	}

	cfg.AdminEmails = normalizeList(cfg.AdminEmails)
	cfg.AllowedDomains = normalizeList(cfg.AllowedDomains)
	cfg.AuditKafkaBrokers = trimList(cfg.AuditKafkaBrokers)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return &model.ConfigurationError{Key: "DATABASE_URL", Problem: "is required"}
	}

	if c.BaseURL == "" {
		return &model.ConfigurationError{Key: "BASE_URL", Problem: "is required"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &model.ConfigurationError{Key: "BASE_URL", Problem: "must be an absolute http(s) URL"}
	}

	if err := validateSecretKey(c.SecretKey); err != nil {
		return err
	}

	if c.MicrosoftClientID != "" && c.MicrosoftClientSecret == "" {
		return &model.ConfigurationError{Key: "MICROSOFT_CLIENT_SECRET", Problem: "is required when MICROSOFT_CLIENT_ID is set"}
	}
	if c.GoogleClientID != "" && c.GoogleClientSecret == "" {
		return &model.ConfigurationError{Key: "GOOGLE_CLIENT_SECRET", Problem: "is required when GOOGLE_CLIENT_ID is set"}
	}

	if c.SessionMaxAge <= 0 {
		return &model.ConfigurationError{Key: "SESSION_MAX_AGE", Problem: "must be positive"}
	}
	if c.TrustedProxies < 0 {
		return &model.ConfigurationError{Key: "TRUSTED_PROXIES", Problem: "must not be negative"}
	}
	if c.ProviderHTTPTimeout <= 0 {
		return &model.ConfigurationError{Key: "PROVIDER_HTTP_TIMEOUT", Problem: "must be positive"}
	}
	if c.LoginRateLimit <= 0 {
		return &model.ConfigurationError{Key: "LOGIN_RATE_LIMIT", Problem: "must be positive"}
	}
	if c.LoginRateWindow <= 0 {
		return &model.ConfigurationError{Key: "LOGIN_RATE_WINDOW", Problem: "must be positive"}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return &model.ConfigurationError{Key: "LOG_LEVEL", Problem: "must be one of debug, info, warn, error"}
	}
	return nil
}

func validateSecretKey(key string) error {
	switch {
	case key == "":
		return &model.ConfigurationError{Key: "SECRET_KEY", Problem: "is required"}
	case weakSecretKeys[strings.ToLower(key)]:
		return &model.ConfigurationError{Key: "SECRET_KEY", Problem: "is a known placeholder value"}
	case len(key) < minSecretKeyLength:
		return &model.ConfigurationError{Key: "SECRET_KEY", Problem: "must be at least 16 characters"}
	}
	return nil
}

// EnabledProviders はクライアントIDが設定されたプロバイダーを表示順に返す。
func (c *Config) EnabledProviders() []model.Provider {
	var providers []model.Provider
	if c.MicrosoftClientID != "" {
		providers = append(providers, model.ProviderMicrosoft)
	}
	if c.GoogleClientID != "" {
		providers = append(providers, model.ProviderGoogle)
	}
	return providers
}

// SlogLevel はLOG_LEVELをslog.Levelに変換する。検証済みのため失敗しない。
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel))
	return level
}

// normalizeList はカンマ区切りの値をトリム・小文字化し、空要素を除去する。
func normalizeList(values []string) []string {
	result := trimList(values)
	for i, v := range result {
		result[i] = strings.ToLower(v)
	}
	return result
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
