// Package model はドメインモデルを定義する。
package model

import "time"

// BandStatus はバンドアカウントの承認状態を表す。
type BandStatus string

const (
	// BandStatusPending は管理者承認待ちの状態。
	BandStatusPending BandStatus = "pending"
	// BandStatusApproved は承認済みの状態。承認フローにおける終端状態。
	BandStatusApproved BandStatus = "approved"
)

// BandAccount は自己登録されたバンドのアカウントを表す。
// usernameとemailは大文字小文字を区別せず一意。
type BandAccount struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Status       BandStatus
	CreatedAt    time.Time
	ApprovedAt   *time.Time
	LastLogin    *time.Time
}

// IsApproved はアカウントが承認済みかどうかを返す。
func (b *BandAccount) IsApproved() bool {
	return b != nil && b.Status == BandStatusApproved
}

// ApprovalToken は承認待ちアカウントに紐づく一回限りの承認トークン。
// 消費後はConsumedAtが設定され、以後どのアカウントの状態も変更しない。
type ApprovalToken struct {
	Token      string
	BandID     string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// ApprovalOutcome は承認リンク処理の結果。エラーではなく値として扱う。
type ApprovalOutcome string

const (
	ApprovalApproved        ApprovalOutcome = "approved"
	ApprovalAlreadyApproved ApprovalOutcome = "already_approved"
	ApprovalInvalidToken    ApprovalOutcome = "invalid_token"
)

// AnonymousUser はチャット用に予約された匿名ユーザー名。
type AnonymousUser struct {
	ID         string
	Username   string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// SiteStats はトップページに表示する集計値。
type SiteStats struct {
	TotalUsers  int
	TotalVisits int64
	OnlineCount int
}
