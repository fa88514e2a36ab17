package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc はnet/smtp.SendMailと同じシグネチャ。テストで差し替える。
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier はSMTPでメールを送るNotifier。
type SMTPNotifier struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewSMTPNotifier はSMTPNotifierを生成する。
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPNotifier{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// Send はプレーンテキストのメールを1通送る。
// net/smtpはcontextに対応していないため、送信前にキャンセル済みかだけを確認する。
func (n *SMTPNotifier) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("宛先メールアドレスが空です")
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	msg := buildMessage(n.cfg.From, to, subject, body, n.now())
	if err := n.sendMail(addr, auth, n.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("メール送信に失敗しました: %w", err)
	}
	return nil
}

// buildMessage はRFC 5322形式のメッセージを組み立てる。
// ヘッダーインジェクションを防ぐため、ヘッダー値から改行を除去する。
func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerValue(from) + "\r\n")
	b.WriteString("To: " + headerValue(to) + "\r\n")
	b.WriteString("Subject: " + headerValue(subject) + "\r\n")
	b.WriteString("Date: " + at.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

var _ Notifier = (*SMTPNotifier)(nil)
