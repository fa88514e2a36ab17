package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// PostgresAnonymousUserRepo はPostgreSQLを使用した匿名ユーザー名予約リポジトリ。
type PostgresAnonymousUserRepo struct {
	db *sql.DB
}

// NewPostgresAnonymousUserRepo はPostgresAnonymousUserRepoを生成する。
func NewPostgresAnonymousUserRepo(db *sql.DB) *PostgresAnonymousUserRepo {
	return &PostgresAnonymousUserRepo{db: db}
}

// Reserve はユーザー名を予約する。
func (r *PostgresAnonymousUserRepo) Reserve(ctx context.Context, user *model.AnonymousUser) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO anonymous_users (id, username, created_at, last_seen_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.CreatedAt, user.LastSeenAt,
	)
	if err != nil {
		if _, ok := uniqueViolationConstraint(err); ok {
			return model.NewDuplicateUsernameError()
		}
		return fmt.Errorf("failed to reserve username: %w", err)
	}
	return nil
}

func (r *PostgresAnonymousUserRepo) findOne(ctx context.Context, where string, arg any) (*model.AnonymousUser, error) {
	u := &model.AnonymousUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, last_seen_at FROM anonymous_users WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find anonymous user: %w", err)
	}
	return u, nil
}

// FindByUsername はユーザー名で予約を検索する。見つからない場合はnilを返す。
func (r *PostgresAnonymousUserRepo) FindByUsername(ctx context.Context, username string) (*model.AnonymousUser, error) {
	return r.findOne(ctx, `lower(username) = lower($1)`, username)
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *PostgresAnonymousUserRepo) FindByID(ctx context.Context, id string) (*model.AnonymousUser, error) {
	return r.findOne(ctx, `id = $1`, id)
}

// Touch は最終利用日時を更新する。
func (r *PostgresAnonymousUserRepo) Touch(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE anonymous_users SET last_seen_at = $2 WHERE id = $1`, id, at,
	); err != nil {
		return fmt.Errorf("failed to touch anonymous user: %w", err)
	}
	return nil
}

// Count は予約済みユーザー名の件数を返す。
func (r *PostgresAnonymousUserRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM anonymous_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count anonymous users: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AnonymousUserRepository = (*PostgresAnonymousUserRepo)(nil)
