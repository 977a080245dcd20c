// Package login はIdPのコールバックからセッション発行までのログイン処理を統括する。
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/toolshelf/internal/access"
	"github.com/hitoshi/toolshelf/internal/audit"
	"github.com/hitoshi/toolshelf/internal/auth"
	"github.com/hitoshi/toolshelf/internal/lockout"
	"github.com/hitoshi/toolshelf/internal/metrics"
	"github.com/hitoshi/toolshelf/internal/model"
	"github.com/hitoshi/toolshelf/internal/repository"
	"github.com/hitoshi/toolshelf/internal/security"
	"github.com/hitoshi/toolshelf/internal/session"
)

// OutcomeAccepted はログイン成功時のメトリクスラベル。
const OutcomeAccepted = "accepted"

// Gateway はIdPとのハンドシェイクを行う。*auth.Gatewayが実装する。
type Gateway interface {
	Begin(ctx context.Context, name model.Provider) (string, *auth.Handshake, error)
	Complete(ctx context.Context, name model.Provider, h *auth.Handshake, params url.Values) (*auth.Claim, error)
}

// HandshakeSealer はハンドシェイクを署名付きCookieに封入・開封する。*session.Signerが実装する。
type HandshakeSealer interface {
	SealHandshake(h *auth.Handshake) (string, error)
	OpenHandshake(token string) (*auth.Handshake, error)
}

// SessionManager はセッションの発行・解決・破棄を行う。*session.Managerが実装する。
type SessionManager interface {
	Establish(ctx context.Context, accountID, priorCookie string) (*session.Issued, error)
	Resolve(ctx context.Context, cookie string) (*model.Account, error)
	Terminate(ctx context.Context, cookie string) error
}

// Config はServiceの振る舞いを決める設定。
type Config struct {
	Access    *access.Policy
	Lockout   lockout.Policy
	Sanitizer *security.NameSanitizer
	Metrics   metrics.MetricsCollector
	// Tx はログイン成功時の更新をまとめるトランザクション。nilの場合はまとめない。
	Tx repository.TxRunner
}

// Started はログイン開始時にハンドラーへ返す値。
type Started struct {
	RedirectURL string
	// HandshakeCookie はoauth_state Cookieに保存する署名付きの値。
	HandshakeCookie string
}

// CallbackRequest はIdPからのコールバック1件分の入力。
type CallbackRequest struct {
	Provider model.Provider
	// Params はコールバックURLのクエリパラメータ（state, code, error）。
	Params url.Values
	// HandshakeCookie はoauth_state Cookieの値。
	HandshakeCookie string
	// PriorSession はログイン前から持っていたsession Cookieの値。
	PriorSession string
}

// Outcome はログインの結果。Acceptedの場合のみSessionが設定される。
type Outcome struct {
	Accepted  bool
	Reason    model.RejectReason
	AccountID string
	Session   *session.Issued
	// RetryAfter はロック中で拒否した場合のロック解除までの残り時間。
	RetryAfter time.Duration
}

// Service はログインのオーケストレーションを行う。
type Service struct {
	gateway   Gateway
	sealer    HandshakeSealer
	accounts  repository.AccountRepository
	sessions  SessionManager
	recorder  audit.Recorder
	tx        repository.TxRunner
	access    *access.Policy
	lockout   lockout.Policy
	sanitizer *security.NameSanitizer
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	gateway Gateway,
	sealer HandshakeSealer,
	accounts repository.AccountRepository,
	sessions SessionManager,
	recorder audit.Recorder,
	cfg Config,
) *Service {
	if cfg.Access == nil {
		cfg.Access = access.NewPolicy(nil, nil)
	}
	if cfg.Lockout.Threshold <= 0 {
		cfg.Lockout = lockout.DefaultPolicy()
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewNameSanitizer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Tx == nil {
		cfg.Tx = repository.NoTx{}
	}
	return &Service{
		gateway:   gateway,
		sealer:    sealer,
		accounts:  accounts,
		sessions:  sessions,
		recorder:  recorder,
		tx:        cfg.Tx,
		access:    cfg.Access,
		lockout:   cfg.Lockout,
		sanitizer: cfg.Sanitizer,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Begin はプロバイダーへのハンドシェイクを開始する。
// 未知のプロバイダーの場合はauth.ErrUnknownProviderをラップした*model.ProviderErrorを返す。
func (s *Service) Begin(ctx context.Context, provider model.Provider) (*Started, error) {
	redirectURL, h, err := s.gateway.Begin(ctx, provider)
	if err != nil {
		if !errors.Is(err, auth.ErrUnknownProvider) {
			s.metrics.RecordLogin(string(provider), outcomeLabel(model.RejectProviderFailure))
			if auditErr := s.recorder.Record(ctx, "", model.AuditProviderFailure, failureDetail(provider, err)); auditErr != nil {
				return nil, auditErr
			}
		}
		return nil, err
	}

	cookie, err := s.sealer.SealHandshake(h)
	if err != nil {
		return nil, fmt.Errorf("failed to seal handshake: %w", err)
	}

	return &Started{RedirectURL: redirectURL, HandshakeCookie: cookie}, nil
}

// CompleteLogin はコールバックを検証し、アカウントのプロビジョニングとセッション発行を行う。
// ポリシーやIdPによる拒否はエラーではなくOutcome.Reasonで返す。
// エラーは永続化層の障害（*model.StoreError）などリクエスト自体を中断すべき場合のみ返す。
func (s *Service) CompleteLogin(ctx context.Context, req CallbackRequest) (*Outcome, error) {
	h := s.openHandshake(req.HandshakeCookie)
	if h != nil {
		s.metrics.RecordHandshakeDuration(string(req.Provider), s.now().Sub(h.IssuedAt))
	}

	// 1. IdPのクレームを検証
	claim, err := s.gateway.Complete(ctx, req.Provider, h, req.Params)
	if err != nil {
		return s.reject(ctx, req.Provider, "", model.RejectProviderFailure,
			model.AuditProviderFailure, failureDetail(req.Provider, err))
	}

	// 2. メールアドレス必須
	if claim.Email == "" {
		return s.reject(ctx, req.Provider, "", model.RejectNoEmail,
			model.AuditProviderFailure, fmt.Sprintf("%s: no email", req.Provider))
	}

	// 3. ドメイン許可リスト（アカウントには一切触れない）
	decision := s.access.Evaluate(claim.Email)
	if !decision.Allowed {
		return s.reject(ctx, req.Provider, "", model.RejectDomainNotAuthorized,
			model.AuditLoginRejectedDomain, claim.Email)
	}

	// 3a. IdPが未検証と明示したメールアドレスは既存アカウントの失敗として数える
	if claim.EmailUnverified {
		return s.rejectUnverified(ctx, claim)
	}

	// 4. アカウントの取得または作成
	name := s.sanitizer.Sanitize(claim.DisplayName)
	account, created, err := s.accounts.FindOrCreate(ctx, &model.Account{
		Email:    claim.Email,
		Name:     name,
		Provider: req.Provider,
	})
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("account provisioned",
			slog.String("account_id", account.ID),
			slog.String("provider", string(req.Provider)),
		)
	}

	// 5-7. 行ロック下のロック判定、ログイン状態の更新、セッション発行、監査を1つのトランザクションで行う
	now := s.now()
	var updated *model.Account
	var issued *session.Issued
	var retryAfter time.Duration
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var adminBefore bool
		var err error
		updated, err = s.accounts.UpdateWithLock(ctx, account.ID, func(a *model.Account) error {
			if s.lockout.IsLocked(a, now) {
				retryAfter = s.lockout.RetryAfter(a, now)
				return &model.PolicyRejection{Reason: model.RejectLocked}
			}
			adminBefore = a.IsAdmin
			s.lockout.RecordSuccess(a)
			if name != "" {
				a.Name = name
			}
			a.IsAdmin = decision.IsAdmin
			a.LastLoginAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return &model.StoreError{Op: "update account", Err: fmt.Errorf("account %s disappeared during login", account.ID)}
		}

		if adminBefore != updated.IsAdmin {
			detail := "revoked"
			if updated.IsAdmin {
				detail = "granted"
			}
			if err := s.recorder.Record(ctx, updated.ID, model.AuditAdminGrantChange, detail); err != nil {
				return err
			}
		}

		issued, err = s.sessions.Establish(ctx, updated.ID, req.PriorSession)
		if err != nil {
			return err
		}
		return s.recorder.Record(ctx, updated.ID, model.AuditLoginSuccess, string(req.Provider))
	})
	if err != nil {
		var rejection *model.PolicyRejection
		if errors.As(err, &rejection) {
			return s.rejectLocked(ctx, req.Provider, account.ID, retryAfter)
		}
		return nil, err
	}

	s.metrics.RecordLogin(string(req.Provider), OutcomeAccepted)
	slog.Info("login accepted",
		slog.String("account_id", updated.ID),
		slog.String("session_id", issued.SessionID),
		slog.String("provider", string(req.Provider)),
	)

	// 8. 成功
	return &Outcome{Accepted: true, AccountID: updated.ID, Session: issued}, nil
}

// Logout はセッションを破棄する。セッションが有効だった場合のみ監査ログを残す。
func (s *Service) Logout(ctx context.Context, cookie string) error {
	account, err := s.sessions.Resolve(ctx, cookie)
	if err != nil {
		return err
	}
	if err := s.sessions.Terminate(ctx, cookie); err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	return s.recorder.Record(ctx, account.ID, model.AuditLogout, "")
}

func (s *Service) rejectUnverified(ctx context.Context, claim *auth.Claim) (*Outcome, error) {
	existing, err := s.accounts.FindByEmail(ctx, claim.Email)
	if err != nil {
		return nil, err
	}

	actorID := ""
	if existing != nil {
		actorID = existing.ID
		now := s.now()
		var retryAfter time.Duration
		_, err := s.accounts.UpdateWithLock(ctx, existing.ID, func(a *model.Account) error {
			// ロック中は失敗回数もロック期限も動かさない
			if s.lockout.IsLocked(a, now) {
				retryAfter = s.lockout.RetryAfter(a, now)
				return &model.PolicyRejection{Reason: model.RejectLocked}
			}
			if s.lockout.RecordFailure(a, now) {
				slog.Warn("account locked",
					slog.String("account_id", a.ID),
					slog.Int("failed_attempts", a.FailedAttempts),
				)
			}
			return nil
		})
		var rejection *model.PolicyRejection
		if errors.As(err, &rejection) {
			return s.rejectLocked(ctx, claim.Provider, actorID, retryAfter)
		}
		if err != nil {
			return nil, err
		}
	}

	return s.reject(ctx, claim.Provider, actorID, model.RejectEmailNotVerified,
		model.AuditLoginRejectedUnverified, claim.Email)
}

func (s *Service) rejectLocked(ctx context.Context, provider model.Provider, actorID string, retryAfter time.Duration) (*Outcome, error) {
	out, err := s.reject(ctx, provider, actorID, model.RejectLocked,
		model.AuditLoginRejectedLocked, string(provider))
	if err != nil {
		return nil, err
	}
	out.RetryAfter = retryAfter
	return out, nil
}

func (s *Service) reject(
	ctx context.Context,
	provider model.Provider,
	actorID string,
	reason model.RejectReason,
	action model.AuditAction,
	detail string,
) (*Outcome, error) {
	s.metrics.RecordLogin(string(provider), outcomeLabel(reason))
	slog.Info("login rejected",
		slog.String("provider", string(provider)),
		slog.String("reason", string(reason)),
	)
	if err := s.recorder.Record(ctx, actorID, action, detail); err != nil {
		return nil, err
	}
	return &Outcome{Reason: reason, AccountID: actorID}, nil
}

// openHandshake はoauth_state Cookieを開封する。不正な値はハンドシェイク無しとして扱う。
func (s *Service) openHandshake(cookie string) *auth.Handshake {
	if cookie == "" {
		return nil
	}
	h, err := s.sealer.OpenHandshake(cookie)
	if err != nil {
		slog.Debug("handshake cookie rejected", slog.String("error", err.Error()))
		return nil
	}
	return h
}

// outcomeLabel は拒否理由をメトリクスのラベル値に変換する。
func outcomeLabel(reason model.RejectReason) string {
	return strings.ReplaceAll(string(reason), " ", "_")
}

func failureDetail(provider model.Provider, err error) string {
	var pe *model.ProviderError
	if errors.As(err, &pe) && pe.Err != nil {
		return fmt.Sprintf("%s: %v", provider, pe.Err)
	}
	return fmt.Sprintf("%s: %v", provider, err)
}
