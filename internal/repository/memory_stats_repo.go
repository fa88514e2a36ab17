package repository

import (
	"context"
	"sync/atomic"
)

// MemoryStatsRepo はプロセス内メモリを使用した集計値リポジトリ。
type MemoryStatsRepo struct {
	visits atomic.Int64
}

// NewMemoryStatsRepo はMemoryStatsRepoを生成する。
func NewMemoryStatsRepo() *MemoryStatsRepo {
	return &MemoryStatsRepo{}
}

// IncrementVisits は訪問数をアトミックに1増やす。
func (r *MemoryStatsRepo) IncrementVisits(ctx context.Context) (int64, error) {
	return r.visits.Add(1), nil
}

// TotalVisits は訪問数の合計を返す。
func (r *MemoryStatsRepo) TotalVisits(ctx context.Context) (int64, error) {
	return r.visits.Load(), nil
}

// compile-time interface check
var _ StatsRepository = (*MemoryStatsRepo)(nil)
