// Package logger はJSON構造化ログの出力設定を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// ServiceName は全ログに付与するサービス名。
const ServiceName = "garage"

// secretKeys は値を出力しない属性キー。
var secretKeys = map[string]bool{
	"password":      true,
	"password_hash": true,
	"token":         true,
	"session_token": true,
	"band_token":    true,
	"jwt_secret":    true,
	"smtp_pass":     true,
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 秘密情報のキーを持つ属性は値を伏せて出力する。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel は出力レベルを指定してSetupと同じロガーを生成する。
func SetupWithLevel(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	})
	return slog.New(handler).With(slog.String("service", ServiceName))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

func redactSecrets(groups []string, a slog.Attr) slog.Attr {
	if secretKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
