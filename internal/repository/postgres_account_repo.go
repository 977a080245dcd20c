package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/toolshelf/internal/model"
)

const accountColumns = `id, email, name, provider, is_admin, last_login_at,
	failed_attempts, lock_expires_at, created_at, updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
	tx *PostgresTxRunner
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db, tx: NewPostgresTxRunner(db)}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var provider string
	var lastLoginAt, lockExpiresAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.Email, &a.Name, &provider, &a.IsAdmin, &lastLoginAt,
		&a.FailedAttempts, &lockExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Provider = model.Provider(provider)
	a.LastLoginAt = nullTimePtr(lastLoginAt)
	a.LockExpiresAt = nullTimePtr(lockExpiresAt)
	return a, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	a, err := scanAccount(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "find account by id", Err: err}
	}
	return a, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	a, err := scanAccount(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "find account by email", Err: err}
	}
	return a, nil
}

// FindOrCreate はメールアドレスをキーにアカウントを取得し、存在しなければ作成する。
// INSERT ... ON CONFLICT DO NOTHING で競合した場合は既存行を読み直す。
// 既存アカウントのproviderは上書きしない。
func (r *PostgresAccountRepo) FindOrCreate(ctx context.Context, candidate *model.Account) (*model.Account, bool, error) {
	id := candidate.ID
	if id == "" {
		id = uuid.NewString()
	}

	a, err := scanAccount(conn(ctx, r.db).QueryRowContext(ctx,
		`INSERT INTO accounts (id, email, name, provider, is_admin)
		 VALUES ($1, $2, $3, $4, FALSE)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING `+accountColumns,
		id, candidate.Email, candidate.Name, string(candidate.Provider),
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, &model.StoreError{Op: "insert account", Err: err}
	}

	existing, err := r.FindByEmail(ctx, candidate.Email)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, &model.StoreError{Op: "insert account", Err: errors.New("conflicting account vanished")}
	}
	return existing, false, nil
}

// UpdateWithLock は行ロックを取得したアカウントにfnを適用し、変更をコミットする。
// コンテキストにトランザクションがあればそれに参加し、コミットは呼び出し側に委ねる。
func (r *PostgresAccountRepo) UpdateWithLock(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var updated *model.Account
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := r.lockAndUpdate(ctx, id, fn)
		updated = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresAccountRepo) lockAndUpdate(ctx context.Context, id string, fn func(*model.Account) error) (*model.Account, error) {
	db := conn(ctx, r.db)

	a, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "lock account", Err: err}
	}

	if err := fn(a); err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET name = $2, is_admin = $3, last_login_at = $4,
		     failed_attempts = $5, lock_expires_at = $6, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		a.ID, a.Name, a.IsAdmin, timePtrArg(a.LastLoginAt),
		a.FailedAttempts, timePtrArg(a.LockExpiresAt),
	).Scan(&a.UpdatedAt)
	if err != nil {
		return nil, &model.StoreError{Op: "update account", Err: err}
	}
	return a, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
