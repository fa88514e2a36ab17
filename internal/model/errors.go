package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, system
	Action   string // ユーザー向け対処方法

	// RetryAfter はRATE_LIMITEDの場合に再試行可能になるまでの時間。
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeInvalidMessage    = "INVALID_MESSAGE"
	ErrCodeChannelNotFound   = "CHANNEL_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeDuplicateUsername = "DUPLICATE_USERNAME"
	ErrCodeDuplicateEmail    = "DUPLICATE_EMAIL"
	ErrCodeAuthFailed        = "AUTH_FAILED"
	ErrCodeTokenExpired      = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid      = "TOKEN_INVALID"
	ErrCodeBandNotFound      = "BAND_NOT_FOUND"
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodePendingApproval   = "PENDING_APPROVAL"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUnavailable       = "UNAVAILABLE"
)

// ErrorCode はエラーチェーンからAPIErrorのコードを取り出す。
// APIErrorを含まない場合は空文字列を返す。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsCode はエラーが指定コードのAPIErrorかどうかを返す。
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewValidationError は入力値のバリデーションエラーを生成する。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("%s: %s", field, reason),
		Category: "validation",
		Action:   "Correct the highlighted field and try again.",
	}
}

// NewInvalidMessageError はメッセージ本文の長さ違反エラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  reason,
		Category: "validation",
		Action:   "Edit your message and send it again.",
	}
}

// NewChannelNotFoundError は未定義チャンネルへのアクセスエラーを生成する。
func NewChannelNotFoundError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("Channel not found: %s", channelID),
		Category: "validation",
		Action:   "Pick one of the listed channels.",
	}
}

// NewUserNotFoundError は予約済みユーザー名が見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "validation",
		Action:   "Pick a new username.",
	}
}

// NewDuplicateUsernameError はユーザー名重複エラーを生成する。
func NewDuplicateUsernameError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateUsername,
		Message:  "Band name already registered",
		Category: "validation",
		Action:   "Choose a different name.",
	}
}

// NewDuplicateEmailError はメールアドレス重複エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "Email already registered",
		Category: "validation",
		Action:   "Use a different email address or log in.",
	}
}

// NewAuthFailedError は認証情報不一致エラーを生成する。
// ユーザー不在とパスワード不一致を区別しない。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "Invalid username or password",
		Category: "auth",
		Action:   "Check your band name and password.",
	}
}

// NewTokenExpiredError はセッショントークン期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "Session expired",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewTokenInvalidError は不正なセッショントークンのエラーを生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewBandNotFoundError はトークンが指すバンドが存在しない場合のエラーを生成する。
func NewBandNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeBandNotFound,
		Message:  "Band not found",
		Category: "auth",
		Action:   "Log in again.",
	}
}

// NewUnauthenticatedError は未認証の接続からの操作エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Pick a username or log in as a band first.",
	}
}

// NewPendingApprovalError は承認待ちアカウントのログインエラーを生成する。
func NewPendingApprovalError() *APIError {
	return &APIError{
		Code:     ErrCodePendingApproval,
		Message:  "Your account is pending approval. Please wait for an admin to approve your registration.",
		Category: "auth",
		Action:   "Wait for the approval email from the admin.",
	}
}

// NewForbiddenError は書き込みポリシー違反エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  reason,
		Category: "chat",
		Action:   "Only approved band accounts can post here.",
	}
}

// NewRateLimitedError は送信間隔制限エラーを生成する。
func NewRateLimitedError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Message:    "Please wait before sending another message",
		Category:   "chat",
		Action:     fmt.Sprintf("Try again in %s.", retryAfter.Round(100*time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// NewUnavailableError は外部依存（ストレージ等）の一時的な障害エラーを生成する。
func NewUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  reason,
		Category: "system",
		Action:   "Please try again in a moment.",
	}
}
