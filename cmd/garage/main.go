// Command garage はバンドとファンのためのチャットサーバーを起動する。
//
// サブコマンド:
//
//	serve        チャットサーバー（既定）
//	worker       匿名ユーザー名のクリーンアップ
//	migrate      データベースマイグレーション
//	healthcheck  /health への疎通確認
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/garage/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "garage: %v\n", err)
		os.Exit(1)
	}
}
