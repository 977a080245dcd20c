package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/toolshelf/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査ログリポジトリ。
// audit_entriesへの操作はINSERTとSELECTのみで、更新・削除は行わない。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査エントリを追記し、採番されたIDと作成日時をentryに設定する。
func (r *PostgresAuditRepo) Append(ctx context.Context, entry *model.AuditEntry) error {
	var actor any
	if entry.ActorID != "" {
		actor = entry.ActorID
	}
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`INSERT INTO audit_entries (actor_id, action, detail)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		actor, string(entry.Action), entry.Detail,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return &model.StoreError{Op: "append audit entry", Err: err}
	}
	return nil
}

// List は新しい順に監査エントリを取得する。
func (r *PostgresAuditRepo) List(ctx context.Context, filter AuditFilter) ([]*model.AuditEntry, error) {
	limit := filter.EffectiveLimit()

	var rows *sql.Rows
	var err error
	if filter.BeforeID > 0 {
		rows, err = conn(ctx, r.db).QueryContext(ctx,
			`SELECT id, actor_id, action, detail, created_at
			 FROM audit_entries
			 WHERE id < $1
			 ORDER BY id DESC
			 LIMIT $2`,
			filter.BeforeID, limit,
		)
	} else {
		rows, err = conn(ctx, r.db).QueryContext(ctx,
			`SELECT id, actor_id, action, detail, created_at
			 FROM audit_entries
			 ORDER BY id DESC
			 LIMIT $1`,
			limit,
		)
	}
	if err != nil {
		return nil, &model.StoreError{Op: "list audit entries", Err: err}
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var actor sql.NullString
		var action string
		if err := rows.Scan(&e.ID, &actor, &action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, &model.StoreError{Op: "scan audit entry", Err: err}
		}
		e.ActorID = actor.String
		e.Action = model.AuditAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.StoreError{Op: "list audit entries", Err: err}
	}

	return entries, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
