// Package approval はバンド登録と管理者によるメール承認のワークフローを提供する。
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/garage/internal/metrics"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/notify"
)

// Identity は承認フローが利用するIdentity Storeの操作。
type Identity interface {
	RegisterBand(ctx context.Context, username, email, password string) (*model.BandAccount, *model.ApprovalToken, error)
	ConsumeApprovalToken(ctx context.Context, token string) (model.ApprovalOutcome, *model.BandAccount, error)
}

// Config は承認フローの設定。
type Config struct {
	// BaseURL は承認リンクの生成に使う公開URL。
	BaseURL string
	// AdminEmail は承認依頼の送信先。
	AdminEmail string
}

// RegisterInput はバンド登録の入力。
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// Service は承認ワークフローを提供する。
type Service struct {
	identity Identity
	notifier notify.Notifier
	metrics  metrics.MetricsCollector
	cfg      Config
}

// NewService はServiceを生成する。collectorがnilの場合は記録しない。
func NewService(identity Identity, notifier notify.Notifier, collector metrics.MetricsCollector, cfg Config) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{
		identity: identity,
		notifier: notifier,
		metrics:  collector,
		cfg:      cfg,
	}
}

// Register はバンドをpending状態で登録し、管理者に承認リンクを通知する。
// 通知の失敗はログとメトリクスに記録するのみで、登録は成功として返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.BandAccount, error) {
	band, token, err := s.identity.RegisterBand(ctx, in.Username, in.Email, in.Password)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRegistration()

	subject := fmt.Sprintf("[Band Registration] %s requests approval", band.Username)
	body := s.approvalBody(band, token.Token)
	if err := s.notifier.Send(ctx, s.cfg.AdminEmail, subject, body); err != nil {
		s.metrics.RecordNotifyFailure()
		slog.Error("承認依頼の通知に失敗しました",
			slog.String("band_id", band.ID),
			slog.String("error", err.Error()),
		)
	}
	return band, nil
}

// Approve は承認トークンを消費する。
// 結果（approved / already_approved / invalid_token）は値として返し、
// ストレージ障害のみUNAVAILABLEエラーとする。
func (s *Service) Approve(ctx context.Context, token string) (model.ApprovalOutcome, *model.BandAccount, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.metrics.RecordApproval(string(model.ApprovalInvalidToken))
		return model.ApprovalInvalidToken, nil, nil
	}

	outcome, band, err := s.identity.ConsumeApprovalToken(ctx, token)
	if err != nil {
		slog.Error("承認トークンの消費に失敗しました",
			slog.String("token_prefix", tokenPrefix(token)),
			slog.String("error", err.Error()),
		)
		return "", nil, model.NewUnavailableError("Approval could not be processed")
	}

	s.metrics.RecordApproval(string(outcome))
	attrs := []any{
		slog.String("outcome", string(outcome)),
		slog.String("token_prefix", tokenPrefix(token)),
	}
	if band != nil {
		attrs = append(attrs, slog.String("band_id", band.ID))
	}
	slog.Info("approval link processed", attrs...)
	return outcome, band, nil
}

// ApprovalLink は承認リンクのURLを返す。
func (s *Service) ApprovalLink(token string) string {
	return s.cfg.BaseURL + "/api/bands/approve?token=" + url.QueryEscape(token)
}

func (s *Service) approvalBody(band *model.BandAccount, token string) string {
	var b strings.Builder
	b.WriteString("A new band has registered for The Garage chat.\n\n")
	fmt.Fprintf(&b, "Band name: %s\n", band.Username)
	fmt.Fprintf(&b, "Email: %s\n", band.Email)
	fmt.Fprintf(&b, "Registered at: %s\n\n", band.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("Approve this band by opening the link below:\n")
	b.WriteString(s.ApprovalLink(token) + "\n")
	return b.String()
}

// tokenLogPrefixLen はログに残すトークン先頭の文字数。
const tokenLogPrefixLen = 8

// tokenPrefix はログ出力用にトークンの先頭だけを返す。
// 短いトークンは半分だけにする。
func tokenPrefix(token string) string {
	if len(token) <= tokenLogPrefixLen {
		return token[:len(token)/2]
	}
	return token[:tokenLogPrefixLen]
}
