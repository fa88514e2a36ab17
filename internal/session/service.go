// Package session はバンドアカウント向けの署名付きセッショントークンを発行・検証する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/garage/internal/model"
)

// DefaultTTL はセッショントークンのデフォルト有効期間（7日）。
const DefaultTTL = 7 * 24 * time.Hour

// Accounts はトークン検証とログインに必要なIdentity Storeの操作。
type Accounts interface {
	FindBandByID(ctx context.Context, bandID string) (*model.BandAccount, error)
	VerifyCredential(ctx context.Context, username, password string) (*model.BandAccount, error)
	TouchLastLogin(ctx context.Context, bandID string) error
}

// Config はセッションサービスの設定。
type Config struct {
	Secret string
	TTL    time.Duration
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Band      *model.BandAccount
}

type bandClaims struct {
	BandID   string `json:"band_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service はHS256署名のJWTを発行・検証する。
type Service struct {
	accounts Accounts
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(accounts Accounts, cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("session secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		accounts: accounts,
		secret:   []byte(cfg.Secret),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// SetClock は有効期限判定に使う時刻源を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// TTL はトークンの有効期間を返す。
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// IssueToken はバンドアカウントに対する署名付きトークンを発行する。
func (s *Service) IssueToken(band *model.BandAccount) (string, time.Time, error) {
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, bandClaims{
		BandID:   band.ID,
		Username: band.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   band.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken は署名と有効期限を検証し、Identity Storeから最新のバンドを取得して返す。
// 期限切れはTOKEN_EXPIRED、署名不正や形式不正はTOKEN_INVALID、
// バンドが存在しないかusernameが変わっている場合はBAND_NOT_FOUNDを返す。
func (s *Service) VerifyToken(ctx context.Context, raw string) (*model.BandAccount, error) {
	if raw == "" {
		return nil, model.NewTokenInvalidError()
	}

	parsed, err := jwt.ParseWithClaims(raw, &bandClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.NewTokenExpiredError()
		}
		return nil, model.NewTokenInvalidError()
	}

	claims, ok := parsed.Claims.(*bandClaims)
	if !ok || !parsed.Valid || claims.BandID == "" {
		return nil, model.NewTokenInvalidError()
	}

	band, err := s.accounts.FindBandByID(ctx, claims.BandID)
	if err != nil {
		slog.Error("failed to look up band for token",
			slog.String("band_id", claims.BandID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnavailableError("Account lookup is temporarily unavailable")
	}
	if band == nil || band.Username != claims.Username {
		return nil, model.NewBandNotFoundError()
	}
	return band, nil
}

// Login は認証情報を照合し、承認済みであればトークンを発行する。
// 承認待ちのアカウントはPENDING_APPROVALを返す。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, model.NewValidationError("login", "Username and password are required")
	}

	band, err := s.accounts.VerifyCredential(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if !band.IsApproved() {
		return nil, model.NewPendingApprovalError()
	}

	if err := s.accounts.TouchLastLogin(ctx, band.ID); err != nil {
		// lastLoginの記録失敗でログインは失敗させない
		slog.Warn("failed to record last login",
			slog.String("band_id", band.ID),
			slog.String("error", err.Error()),
		)
	}

	token, expiresAt, err := s.IssueToken(band)
	if err != nil {
		return nil, err
	}

	slog.Info("band logged in", slog.String("band_id", band.ID))
	return &LoginResult{Token: token, ExpiresAt: expiresAt, Band: band}, nil
}
