// Package identity はバンドアカウントと匿名ユーザー名の登録・照合を提供する。
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/repository"
)

// Service はIdentity Storeのドメインロジックを提供する。
// 平文パスワードは保存もログ出力もしない。
type Service struct {
	bands  repository.BandRepository
	anon   repository.AnonymousUserRepository
	hasher PasswordHasher

	now      func() time.Time
	newToken func() (string, error)
}

// NewService はServiceを生成する。
func NewService(
	bands repository.BandRepository,
	anon repository.AnonymousUserRepository,
	hasher PasswordHasher,
) *Service {
	return &Service{
		bands:    bands,
		anon:     anon,
		hasher:   hasher,
		now:      time.Now,
		newToken: generateApprovalToken,
	}
}

// RegisterBand はバンドアカウントをpending状態で作成し、承認トークンを発行する。
// username/emailの一意性はリポジトリがトランザクション内で保証する。
func (s *Service) RegisterBand(ctx context.Context, username, email, password string) (*model.BandAccount, *model.ApprovalToken, error) {
	username, email, err := ValidateBandRegistration(username, email, password)
	if err != nil {
		return nil, nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	tokenValue, err := s.newToken()
	if err != nil {
		return nil, nil, fmt.Errorf("承認トークンの生成に失敗しました: %w", err)
	}

	now := s.now().UTC()
	band := &model.BandAccount{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Status:       model.BandStatusPending,
		CreatedAt:    now,
	}
	token := &model.ApprovalToken{
		Token:     tokenValue,
		BandID:    band.ID,
		CreatedAt: now,
	}

	if err := s.bands.CreateWithApprovalToken(ctx, band, token); err != nil {
		if model.ErrorCode(err) != "" {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("バンドの登録に失敗しました: %w", err)
	}

	slog.Info("band registered",
		slog.String("band_id", band.ID),
		slog.String("username", band.Username),
	)
	return band, token, nil
}

// FindBandByUsername はusernameでバンドを検索する。見つからない場合はnilを返す。
func (s *Service) FindBandByUsername(ctx context.Context, username string) (*model.BandAccount, error) {
	return s.bands.FindByUsername(ctx, username)
}

// FindBandByID は指定IDのバンドを取得する。見つからない場合はnilを返す。
func (s *Service) FindBandByID(ctx context.Context, bandID string) (*model.BandAccount, error) {
	return s.bands.FindByID(ctx, bandID)
}

// VerifyCredential はusernameとパスワードを照合する。
// ユーザー不在とパスワード不一致はどちらもAUTH_FAILEDを返す。
// usernameは登録時と同じく前後の空白を除いて照合する。
func (s *Service) VerifyCredential(ctx context.Context, username, password string) (*model.BandAccount, error) {
	band, err := s.bands.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("バンドの取得に失敗しました: %w", err)
	}
	if band == nil {
		return nil, model.NewAuthFailedError()
	}
	if err := s.hasher.Compare(band.PasswordHash, password); err != nil {
		return nil, model.NewAuthFailedError()
	}
	return band, nil
}

// TouchLastLogin は最終ログイン日時を記録する。
func (s *Service) TouchLastLogin(ctx context.Context, bandID string) error {
	return s.bands.UpdateLastLogin(ctx, bandID, s.now().UTC())
}

// ConsumeApprovalToken は承認トークンを消費する。
func (s *Service) ConsumeApprovalToken(ctx context.Context, token string) (model.ApprovalOutcome, *model.BandAccount, error) {
	return s.bands.ConsumeApprovalToken(ctx, token, s.now().UTC())
}

// IsBandUsername は表示名がバンドのusernameと大文字小文字を区別せず一致するかを返す。
func (s *Service) IsBandUsername(ctx context.Context, name string) (bool, error) {
	band, err := s.bands.FindByUsername(ctx, name)
	if err != nil {
		return false, err
	}
	return band != nil, nil
}

// CheckUsernameAvailable は匿名ユーザー名が予約可能かを返す。
// 形式が不正な場合はバリデーションエラーを返す。
func (s *Service) CheckUsernameAvailable(ctx context.Context, name string) (bool, error) {
	name, err := ValidateDisplayName(name)
	if err != nil {
		return false, err
	}

	taken, err := s.IsBandUsername(ctx, name)
	if err != nil {
		return false, fmt.Errorf("バンド名の確認に失敗しました: %w", err)
	}
	if taken {
		return false, nil
	}

	existing, err := s.anon.FindByUsername(ctx, name)
	if err != nil {
		return false, fmt.Errorf("ユーザー名の確認に失敗しました: %w", err)
	}
	return existing == nil, nil
}

// ReserveUsername は匿名ユーザー名を予約する。
// バンド名または既存の予約と衝突する場合はDUPLICATE_USERNAMEを返す。
func (s *Service) ReserveUsername(ctx context.Context, name string) (*model.AnonymousUser, error) {
	name, err := ValidateDisplayName(name)
	if err != nil {
		return nil, err
	}

	taken, err := s.IsBandUsername(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("バンド名の確認に失敗しました: %w", err)
	}
	if taken {
		return nil, model.NewDuplicateUsernameError()
	}

	now := s.now().UTC()
	user := &model.AnonymousUser{
		ID:         uuid.New().String(),
		Username:   name,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.anon.Reserve(ctx, user); err != nil {
		if model.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("ユーザー名の予約に失敗しました: %w", err)
	}
	return user, nil
}

// FindAnonymousUser は予約済み匿名ユーザーを取得する。見つからない場合はnilを返す。
func (s *Service) FindAnonymousUser(ctx context.Context, id string) (*model.AnonymousUser, error) {
	return s.anon.FindByID(ctx, id)
}

// TouchAnonymousUser は予約済み匿名ユーザーの最終利用日時を更新する。
func (s *Service) TouchAnonymousUser(ctx context.Context, id string) error {
	return s.anon.Touch(ctx, id, s.now().UTC())
}

// CountAnonymousUsers は予約済み匿名ユーザー数を返す。
func (s *Service) CountAnonymousUsers(ctx context.Context) (int, error) {
	return s.anon.Count(ctx)
}

// generateApprovalToken は推測困難な承認トークンを生成する。
func generateApprovalToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
