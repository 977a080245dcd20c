// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/toolshelf/internal/model"
)

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindOrCreate はメールアドレスをキーにアカウントを取得し、存在しなければ作成する。
	// 同一メールアドレスの同時実行でも作成されるのは1行のみ。
	// 2番目の戻り値は今回の呼び出しで作成された場合にtrueとなる。
	FindOrCreate(ctx context.Context, candidate *model.Account) (*model.Account, bool, error)

	// UpdateWithLock は行ロック（SELECT ... FOR UPDATE）を取得したアカウントにfnを適用し、
	// fnがnilを返した場合のみ変更をコミットする。fnがエラーを返した場合はロールバックし、
	// そのエラーをそのまま返す。アカウントが存在しない場合は(nil, nil)を返す。
	// TxRunnerのトランザクション中に呼ばれた場合はそのトランザクションに参加する。
	UpdateWithLock(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByTokenHash はトークンハッシュでセッションを取得する。期限切れの場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。存在しなくてもエラーにしない。
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepository は監査ログの永続化インターフェース。追記と参照のみを提供する。
type AuditRepository interface {
	// Append は監査エントリを追記し、採番されたIDと作成日時をentryに設定する。
	Append(ctx context.Context, entry *model.AuditEntry) error
	// List は新しい順に監査エントリを取得する。
	List(ctx context.Context, filter AuditFilter) ([]*model.AuditEntry, error)
}

// AuditFilter は監査ログ一覧の取得範囲。
type AuditFilter struct {
	// Limit は取得件数の上限。0以下の場合はDefaultAuditLimitを使う。
	Limit int
	// BeforeID が正の場合、このIDより古いエントリのみを返す（カーソル）。
	BeforeID int64
}

const (
	// DefaultAuditLimit は監査ログ一覧のデフォルト取得件数。
	DefaultAuditLimit = 50
	// MaxAuditLimit は監査ログ一覧の最大取得件数。
	MaxAuditLimit = 500
)

// EffectiveLimit はデフォルトと上限を適用した取得件数を返す。
func (f AuditFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultAuditLimit
	case f.Limit > MaxAuditLimit:
		return MaxAuditLimit
	default:
		return f.Limit
	}
}
