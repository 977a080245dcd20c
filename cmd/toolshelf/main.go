// Command toolshelf はツールディレクトリのログイン・セッション・認可を提供するサーバー。
//
// サブコマンド:
//
//	serve        HTTPサーバーを起動する（デフォルト）
//	migrate      データベースマイグレーションを適用する
//	cleanup      期限切れセッションを削除する
//	healthcheck  /health を叩いて結果を終了コードで返す
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/toolshelf/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
