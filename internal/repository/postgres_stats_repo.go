package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStatsRepo はPostgreSQLを使用した集計値リポジトリ。
type PostgresStatsRepo struct {
	db *sql.DB
}

// NewPostgresStatsRepo はPostgresStatsRepoを生成する。
func NewPostgresStatsRepo(db *sql.DB) *PostgresStatsRepo {
	return &PostgresStatsRepo{db: db}
}

// IncrementVisits は訪問数をアトミックに1増やす。
func (r *PostgresStatsRepo) IncrementVisits(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO site_stats (id, total_visits) VALUES (1, 1)
		 ON CONFLICT (id) DO UPDATE SET total_visits = site_stats.total_visits + 1
		 RETURNING total_visits`,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to increment visits: %w", err)
	}
	return total, nil
}

// TotalVisits は訪問数の合計を返す。
func (r *PostgresStatsRepo) TotalVisits(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `SELECT total_visits FROM site_stats WHERE id = 1`).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read visits: %w", err)
	}
	return total, nil
}

// compile-time interface check
var _ StatsRepository = (*PostgresStatsRepo)(nil)
