package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/toolshelf/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。IDが空の場合は採番する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO sessions (id, token_hash, account_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.TokenHash, session.AccountID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return &model.StoreError{Op: "create session", Err: err}
	}
	return nil
}

// FindByTokenHash はトークンハッシュでセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	session := &model.Session{}
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, token_hash, account_id, expires_at, created_at
		 FROM sessions
		 WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&session.ID, &session.TokenHash, &session.AccountID, &session.ExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StoreError{Op: "find session", Err: err}
	}

	return session, nil
}

// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。
func (r *PostgresSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM sessions WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return &model.StoreError{Op: "delete session", Err: err}
	}
	return nil
}

// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`,
		before,
	)
	if err != nil {
		return 0, &model.StoreError{Op: "delete expired sessions", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, &model.StoreError{Op: "delete expired sessions", Err: err}
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
