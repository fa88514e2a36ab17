package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/garage/internal/model"
)

const (
	bandUsernameMaxRunes = 30
	displayNameMaxRunes  = 20
	passwordMinLength    = 8
	emailMaxLength       = 254
)

var (
	emailPattern       = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	displayNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s_-]+$`)
)

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateBandRegistration はバンド登録入力を検証し、正規化したusernameとemailを返す。
func ValidateBandRegistration(username, email, password string) (string, string, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)

	if username == "" || email == "" || password == "" {
		return "", "", model.NewValidationError("registration", "All fields are required")
	}
	if n := utf8.RuneCountInString(username); n > bandUsernameMaxRunes {
		return "", "", model.NewValidationError("username", fmt.Sprintf("Band name must be 1-%d characters", bandUsernameMaxRunes))
	}
	if len(email) > emailMaxLength || !emailPattern.MatchString(email) {
		return "", "", model.NewValidationError("email", "Invalid email format")
	}
	if utf8.RuneCountInString(password) < passwordMinLength {
		return "", "", model.NewValidationError("password", fmt.Sprintf("Password must be at least %d characters", passwordMinLength))
	}
	return username, email, nil
}

// ValidateDisplayName は匿名参加者の表示名を検証し、前後の空白を除いた値を返す。
// 英数字・空白・アンダースコア・ハイフンのみ許可する。
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", model.NewValidationError("username", "Username is required")
	}
	if utf8.RuneCountInString(name) > displayNameMaxRunes {
		return "", model.NewValidationError("username", fmt.Sprintf("Username must be 1-%d characters", displayNameMaxRunes))
	}
	if !displayNamePattern.MatchString(name) {
		return "", model.NewValidationError("username", "Username can only contain letters, numbers, spaces, underscores, and hyphens")
	}
	return name, nil
}
