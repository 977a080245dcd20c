package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/toolshelf/internal/model"
)

// TxRunner は複数のリポジトリ操作を1つのトランザクションにまとめる。
// fnに渡すコンテキストを使ったリポジトリ呼び出しは同じトランザクションに参加する。
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type txState struct {
	tx          *sql.Tx
	afterCommit []func()
}

// dbConn は*sql.DBと*sql.Txの共通インターフェース。
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn はコンテキストにトランザクションがあればそれを、無ければdbを返す。
func conn(ctx context.Context, db *sql.DB) dbConn {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx
	}
	return db
}

// AfterCommit はfnをトランザクションのコミット後に実行するよう登録する。
// コンテキストにトランザクションが無い場合は即座に実行する。ロールバック時は実行しない。
func AfterCommit(ctx context.Context, fn func()) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn()
}

// PostgresTxRunner はPostgreSQLのトランザクションでfnを実行する。
type PostgresTxRunner struct {
	db *sql.DB
}

// NewPostgresTxRunner はPostgresTxRunnerを生成する。
func NewPostgresTxRunner(db *sql.DB) *PostgresTxRunner {
	return &PostgresTxRunner{db: db}
}

// RunInTx はfnがnilを返した場合のみコミットする。既にトランザクション中であればそれに参加する。
func (r *PostgresTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &model.StoreError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	st := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &model.StoreError{Op: "commit transaction", Err: err}
	}

	for _, f := range st.afterCommit {
		f()
	}
	return nil
}

// NoTx はトランザクションを張らずにfnを実行するTxRunner。
type NoTx struct{}

// RunInTx はfnをそのまま実行する。
func (NoTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var (
	_ TxRunner = (*PostgresTxRunner)(nil)
	_ TxRunner = NoTx{}
)
