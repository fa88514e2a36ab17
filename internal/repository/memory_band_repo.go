package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// MemoryBandRepo はプロセス内メモリを使用したバンドアカウントリポジトリ。
// DATABASE_URL未設定の開発環境とテストで使用する。
// 確認してから書き込む処理はusername/email/トークンのキー単位のロックで直列化する。
// muはマップの読み書きだけを保護し、確認と書き込みをまたいで保持しない。
type MemoryBandRepo struct {
	keys *keyedMutex

	mu         sync.RWMutex
	byID       map[string]*model.BandAccount
	byUsername map[string]string // lower(username) -> id
	byEmail    map[string]string // lower(email) -> id
	tokens     map[string]*model.ApprovalToken
}

// NewMemoryBandRepo はMemoryBandRepoを生成する。
func NewMemoryBandRepo() *MemoryBandRepo {
	return &MemoryBandRepo{
		keys:       newKeyedMutex(),
		byID:       make(map[string]*model.BandAccount),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		tokens:     make(map[string]*model.ApprovalToken),
	}
}

func copyBand(b *model.BandAccount) *model.BandAccount {
	if b == nil {
		return nil
	}
	c := *b
	if b.ApprovedAt != nil {
		t := *b.ApprovedAt
		c.ApprovedAt = &t
	}
	if b.LastLogin != nil {
		t := *b.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// CreateWithApprovalToken はバンドと承認トークンを登録する。
func (r *MemoryBandRepo) CreateWithApprovalToken(ctx context.Context, band *model.BandAccount, token *model.ApprovalToken) error {
	userKey := "username:" + strings.ToLower(band.Username)
	emailKey := "email:" + strings.ToLower(band.Email)
	unlock := r.keys.Lock(userKey, emailKey)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	_, usernameTaken := r.byUsername[strings.ToLower(band.Username)]
	_, emailTaken := r.byEmail[strings.ToLower(band.Email)]
	r.mu.RUnlock()

	if usernameTaken {
		return model.NewDuplicateUsernameError()
	}
	if emailTaken {
		return model.NewDuplicateEmailError()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[band.ID] = copyBand(band)
	r.byUsername[strings.ToLower(band.Username)] = band.ID
	r.byEmail[strings.ToLower(band.Email)] = band.ID
	t := *token
	r.tokens[token.Token] = &t
	return nil
}

// FindByUsername はusernameでバンドを検索する。見つからない場合はnilを返す。
func (r *MemoryBandRepo) FindByUsername(ctx context.Context, username string) (*model.BandAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, nil
	}
	return copyBand(r.byID[id]), nil
}

// FindByID は指定IDのバンドを取得する。見つからない場合はnilを返す。
func (r *MemoryBandRepo) FindByID(ctx context.Context, id string) (*model.BandAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyBand(r.byID[id]), nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *MemoryBandRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.byID[id]; ok {
		t := at
		b.LastLogin = &t
	}
	return nil
}

// ConsumeApprovalToken は承認トークンを消費してバンドを承認済みにする。
// トークン単位のロックで同一トークンの同時消費を直列化する。
func (r *MemoryBandRepo) ConsumeApprovalToken(ctx context.Context, token string, approvedAt time.Time) (model.ApprovalOutcome, *model.BandAccount, error) {
	unlock := r.keys.Lock("token:" + token)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	r.mu.RLock()
	t, ok := r.tokens[token]
	var band *model.BandAccount
	if ok {
		band, ok = r.byID[t.BandID]
	}
	r.mu.RUnlock()
	if !ok {
		return model.ApprovalInvalidToken, nil, nil
	}

	// 承認状態を書き換えるのは同じトークンのロックを持つこの処理だけ
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ConsumedAt != nil || band.Status == model.BandStatusApproved {
		if t.ConsumedAt == nil {
			at := approvedAt
			t.ConsumedAt = &at
		}
		return model.ApprovalAlreadyApproved, copyBand(band), nil
	}

	at := approvedAt
	t.ConsumedAt = &at
	band.Status = model.BandStatusApproved
	band.ApprovedAt = &at
	return model.ApprovalApproved, copyBand(band), nil
}

// compile-time interface check
var _ BandRepository = (*MemoryBandRepo)(nil)
