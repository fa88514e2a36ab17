package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// MemoryAnonymousUserRepo はプロセス内メモリを使用した匿名ユーザー名予約リポジトリ。
type MemoryAnonymousUserRepo struct {
	mu         sync.RWMutex
	byID       map[string]*model.AnonymousUser
	byUsername map[string]string
}

// NewMemoryAnonymousUserRepo はMemoryAnonymousUserRepoを生成する。
func NewMemoryAnonymousUserRepo() *MemoryAnonymousUserRepo {
	return &MemoryAnonymousUserRepo{
		byID:       make(map[string]*model.AnonymousUser),
		byUsername: make(map[string]string),
	}
}

// Reserve はユーザー名を予約する。確認と書き込みは同一ロック内で行う。
func (r *MemoryAnonymousUserRepo) Reserve(ctx context.Context, user *model.AnonymousUser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(user.Username)
	if _, exists := r.byUsername[key]; exists {
		return model.NewDuplicateUsernameError()
	}
	u := *user
	r.byID[user.ID] = &u
	r.byUsername[key] = user.ID
	return nil
}

// FindByUsername はユーザー名で予約を検索する。見つからない場合はnilを返す。
func (r *MemoryAnonymousUserRepo) FindByUsername(ctx context.Context, username string) (*model.AnonymousUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, nil
	}
	u := *r.byID[id]
	return &u, nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *MemoryAnonymousUserRepo) FindByID(ctx context.Context, id string) (*model.AnonymousUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

// Touch は最終利用日時を更新する。
func (r *MemoryAnonymousUserRepo) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.byID[id]; ok {
		u.LastSeenAt = at
	}
	return nil
}

// Count は予約済みユーザー名の件数を返す。
func (r *MemoryAnonymousUserRepo) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), nil
}

// compile-time interface check
var _ AnonymousUserRepository = (*MemoryAnonymousUserRepo)(nil)
