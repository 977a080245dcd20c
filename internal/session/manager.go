package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
)

// DefaultMaxAge はセッションの既定の有効期間（remember期間）。
const DefaultMaxAge = 7 * 24 * time.Hour

// AccountFinder はセッションに紐づくアカウントの取得に使うインターフェース。
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// Issued は新しく発行したセッションを表す。
type Issued struct {
	// Cookie はブラウザに渡す署名付きの値。
	Cookie    string
	SessionID string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Token string `json:"tok"`
	jwt.RegisteredClaims
}

// Manager はセッションのライフサイクルを管理する。
// サーバーはトークンのSHA-256ハッシュのみを保持し、Cookieには署名付きで生のトークンを載せる。
type Manager struct {
	sessions repository.SessionRepository
	accounts AccountFinder
	signer   *Signer
	maxAge   time.Duration
	now      func() time.Time
}

// NewManager はManagerを生成する。maxAgeが0以下の場合はDefaultMaxAgeを使う。
func NewManager(sessions repository.SessionRepository, accounts AccountFinder, signer *Signer, maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{
		sessions: sessions,
		accounts: accounts,
		signer:   signer,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// MaxAge はセッションCookieのMax-Ageを返す。
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Establish はアカウントの新しいセッションを発行する。
// priorCookieが有効なセッションを指す場合、新しいセッションを作る前にそれを削除する。
// 以前の値を再利用しないため、ログイン前に固定されたセッションはログイン後に無効となる。
func (m *Manager) Establish(ctx context.Context, accountID, priorCookie string) (*Issued, error) {
	if prior, ok := m.tokenHash(priorCookie); ok {
		if err := m.sessions.DeleteByTokenHash(ctx, prior); err != nil {
			return nil, err
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &model.Session{
		TokenHash: hashToken(token),
		AccountID: accountID,
		ExpiresAt: now.Add(m.maxAge),
		CreatedAt: now,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	cookie, err := m.signer.Sign(sessionClaims{
		Token:            token,
		RegisteredClaims: m.signer.registered(AudienceSession, accountID, s.ExpiresAt),
	})
	if err != nil {
		return nil, err
	}

	return &Issued{Cookie: cookie, SessionID: s.ID, ExpiresAt: s.ExpiresAt}, nil
}

// Terminate はCookieが指すセッションを削除する。
// Cookieが無い、または不正な場合も成功として扱う（冪等）。
func (m *Manager) Terminate(ctx context.Context, cookie string) error {
	hash, ok := m.tokenHash(cookie)
	if !ok {
		return nil
	}
	return m.sessions.DeleteByTokenHash(ctx, hash)
}

// Resolve はCookieが指す有効なセッションのアカウントを返す。
// Cookieが無い、改ざんされている、期限切れ、未知の場合は(nil, nil)を返す。
// エラーはストアが利用できない場合のみ返す。
func (m *Manager) Resolve(ctx context.Context, cookie string) (*model.Account, error) {
	var claims sessionClaims
	if err := m.signer.Verify(cookie, AudienceSession, &claims); err != nil {
		if cookie != "" {
			slog.Debug("session cookie rejected", slog.String("error", err.Error()))
		}
		return nil, nil
	}

	s, err := m.sessions.FindByTokenHash(ctx, hashToken(claims.Token))
	if err != nil {
		return nil, err
	}
	if s == nil || s.AccountID != claims.Subject || !s.ExpiresAt.After(m.now()) {
		return nil, nil
	}

	account, err := m.accounts.FindByID(ctx, s.AccountID)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// tokenHash はCookieを検証し、含まれるトークンのハッシュを返す。
func (m *Manager) tokenHash(cookie string) (string, bool) {
	if cookie == "" {
		return "", false
	}
	var claims sessionClaims
	if err := m.signer.Verify(cookie, AudienceSession, &claims); err != nil {
		return "", false
	}
	if claims.Token == "" {
		return "", false
	}
	return hashToken(claims.Token), true
}

// newToken は32バイトの乱数トークンを生成する。
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュを16進文字列で返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
