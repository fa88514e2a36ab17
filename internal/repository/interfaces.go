// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

// BandRepository はバンドアカウントと承認トークンの永続化インターフェース。
type BandRepository interface {
	// CreateWithApprovalToken はバンドアカウントと承認トークンを同一トランザクションで作成する。
	// username/emailが大文字小文字を区別せず既存と衝突する場合は
	// DUPLICATE_USERNAME / DUPLICATE_EMAIL の *model.APIError を返す。
	CreateWithApprovalToken(ctx context.Context, band *model.BandAccount, token *model.ApprovalToken) error

	// FindByUsername はusernameでバンドを検索する（大文字小文字を区別しない）。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.BandAccount, error)

	// FindByID は指定IDのバンドを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BandAccount, error)

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// ConsumeApprovalToken は承認トークンを消費してバンドを承認済みにする。
	// トークンの消費済みマークとステータス更新は同一トランザクションで行い、同じトークンで2回成功することはない。
	// 不明なトークンはApprovalInvalidToken、既に承認済みのバンドを指す場合はApprovalAlreadyApprovedを返す。
	ConsumeApprovalToken(ctx context.Context, token string, approvedAt time.Time) (model.ApprovalOutcome, *model.BandAccount, error)
}

// AnonymousUserRepository は匿名ユーザー名予約の永続化インターフェース。
type AnonymousUserRepository interface {
	// Reserve はユーザー名を予約する。大文字小文字を区別せず衝突する場合はDUPLICATE_USERNAMEを返す。
	Reserve(ctx context.Context, user *model.AnonymousUser) error

	// FindByUsername はユーザー名で予約を検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.AnonymousUser, error)

	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AnonymousUser, error)

	// Touch は最終利用日時を更新する。
	Touch(ctx context.Context, id string, at time.Time) error

	// Count は予約済みユーザー名の件数を返す。
	Count(ctx context.Context) (int, error)
}

// MessageRepository はチャンネルごとの追記専用メッセージログの永続化インターフェース。
type MessageRepository interface {
	// Append はメッセージを追記する。
	// チャンネル内で単調増加するSeqと、直前のメッセージ以上となるServerTimestampを
	// コミット時に割り当て、msgに書き戻す。
	Append(ctx context.Context, msg *model.Message) error

	// ListRecent はチャンネルの直近limit件を古い順に返す。
	ListRecent(ctx context.Context, channelID string, limit int) ([]model.Message, error)
}

// StatsRepository はサイト全体の集計値の永続化インターフェース。
type StatsRepository interface {
	// IncrementVisits は訪問数をアトミックに1増やし、増加後の値を返す。
	IncrementVisits(ctx context.Context) (int64, error)

	// TotalVisits は訪問数の合計を返す。
	TotalVisits(ctx context.Context) (int64, error)
}
