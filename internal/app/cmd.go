package app

import "fmt"

// Command はgarageバイナリのサブコマンド。
type Command string

const (
	// CommandServe はHTTP APIとWebSocketゲートウェイを起動する。
	CommandServe Command = "serve"
	// CommandWorker は匿名ユーザー名の期限切れ予約を定期的に削除する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新版まで適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを叩いて終了コードで結果を返す。
	// シェルのないdistrolessイメージのHEALTHCHECKから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数がなければserve。未知のサブコマンドは打ち間違いでサーバーが起動しないようエラーにする。
// 2つ目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
	return cmd, nil
}
