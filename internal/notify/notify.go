// Package notify は管理者への通知手段を提供する。
// 通知の失敗は呼び出し元が記録するのみで、登録処理自体は失敗させない。
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier は宛先・件名・本文を受け取って通知を送る。
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogNotifier は通知内容をログに出力するだけの開発用Notifier。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send は通知内容をInfoレベルで出力する。
func (n *LogNotifier) Send(ctx context.Context, to, subject, body string) error {
	n.logger.InfoContext(ctx, "admin notification",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// Multi は全てのNotifierに順に送信し、失敗をまとめて返す。
// 一部が失敗しても残りへの送信は続ける。
type Multi []Notifier

// Send は全てのNotifierに送信する。
func (m Multi) Send(ctx context.Context, to, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, to, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
