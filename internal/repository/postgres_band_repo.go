package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// PostgresBandRepo はPostgreSQLを使用したバンドアカウントリポジトリ。
// username/emailの一意性はlower()式インデックスで保証する。
type PostgresBandRepo struct {
	db *sql.DB
}

// NewPostgresBandRepo はPostgresBandRepoを生成する。
func NewPostgresBandRepo(db *sql.DB) *PostgresBandRepo {
	return &PostgresBandRepo{db: db}
}

const bandColumns = `id, username, email, password_hash, status, created_at, approved_at, last_login`

func scanBand(row interface{ Scan(dest ...any) error }) (*model.BandAccount, error) {
	band := &model.BandAccount{}
	var status string
	var approvedAt, lastLogin sql.NullTime
	if err := row.Scan(
		&band.ID, &band.Username, &band.Email, &band.PasswordHash,
		&status, &band.CreatedAt, &approvedAt, &lastLogin,
	); err != nil {
		return nil, err
	}
	band.Status = model.BandStatus(status)
	if approvedAt.Valid {
		t := approvedAt.Time
		band.ApprovedAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		band.LastLogin = &t
	}
	return band, nil
}

// CreateWithApprovalToken はバンドと承認トークンを同一トランザクションで作成する。
// 一意制約違反は重複エラーに変換する。同名の同時登録はどちらか一方のみ成功する。
func (r *PostgresBandRepo) CreateWithApprovalToken(ctx context.Context, band *model.BandAccount, token *model.ApprovalToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bands (id, username, email, password_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		band.ID, band.Username, band.Email, band.PasswordHash, string(band.Status), band.CreatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolationConstraint(err); ok {
			return bandDuplicateError(constraint)
		}
		return fmt.Errorf("failed to insert band: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO approval_tokens (token, band_id, created_at) VALUES ($1, $2, $3)`,
		token.Token, token.BandID, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if constraint, ok := uniqueViolationConstraint(err); ok {
			return bandDuplicateError(constraint)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByUsername はusernameでバンドを検索する。見つからない場合はnilを返す。
func (r *PostgresBandRepo) FindByUsername(ctx context.Context, username string) (*model.BandAccount, error) {
	band, err := scanBand(r.db.QueryRowContext(ctx,
		`SELECT `+bandColumns+` FROM bands WHERE lower(username) = lower($1)`,
		username,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find band by username: %w", err)
	}
	return band, nil
}

// FindByID は指定IDのバンドを取得する。見つからない場合はnilを返す。
func (r *PostgresBandRepo) FindByID(ctx context.Context, id string) (*model.BandAccount, error) {
	band, err := scanBand(r.db.QueryRowContext(ctx,
		`SELECT `+bandColumns+` FROM bands WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find band by ID: %w", err)
	}
	return band, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresBandRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE bands SET last_login = $2 WHERE id = $1`,
		id, at,
	); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// ConsumeApprovalToken は承認トークンを消費してバンドを承認済みにする。
// consumed_at IS NULL 条件付きUPDATEにより、同一トークンの同時消費は1件のみ成功する。
func (r *PostgresBandRepo) ConsumeApprovalToken(ctx context.Context, token string, approvedAt time.Time) (model.ApprovalOutcome, *model.BandAccount, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var bandID string
	err = tx.QueryRowContext(ctx,
		`UPDATE approval_tokens SET consumed_at = $2
		 WHERE token = $1 AND consumed_at IS NULL
		 RETURNING band_id`,
		token, approvedAt,
	).Scan(&bandID)

	if err == sql.ErrNoRows {
		// 未消費のトークンがない: 既に消費済みか、存在しない
		err = tx.QueryRowContext(ctx,
			`SELECT band_id FROM approval_tokens WHERE token = $1`,
			token,
		).Scan(&bandID)
		if err == sql.ErrNoRows {
			return model.ApprovalInvalidToken, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to look up approval token: %w", err)
		}
		band, err := scanBand(tx.QueryRowContext(ctx,
			`SELECT `+bandColumns+` FROM bands WHERE id = $1`, bandID))
		if err == sql.ErrNoRows {
			return model.ApprovalInvalidToken, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to find band for token: %w", err)
		}
		return model.ApprovalAlreadyApproved, band, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to consume approval token: %w", err)
	}

	band, err := scanBand(tx.QueryRowContext(ctx,
		`UPDATE bands SET status = 'approved', approved_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+bandColumns,
		bandID, approvedAt,
	))
	outcome := model.ApprovalApproved
	if err == sql.ErrNoRows {
		// 別経路で承認済みのため状態は変更しない
		outcome = model.ApprovalAlreadyApproved
		band, err = scanBand(tx.QueryRowContext(ctx,
			`SELECT `+bandColumns+` FROM bands WHERE id = $1`, bandID))
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to approve band: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, band, nil
}

// compile-time interface check
var _ BandRepository = (*PostgresBandRepo)(nil)
