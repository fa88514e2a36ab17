// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はチャットのメッセージ本文と表示名を表示用に無害化する。
// 保存される本文は送信されたままで、配信時に表示用の値を併せて付与する。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示用テキストの無害化インターフェース。
type TextSanitizer interface {
	// SafeText は全てのHTMLタグを除去し、残りの文字列をHTMLエスケープして返す。
	// 同一入力に対して常に同一出力を返す。
	SafeText(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// Policyは生成後に変更しないため並行利用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SafeText は表示用に無害化したテキストを返す。
func (s *textSanitizer) SafeText(raw string) string {
	if raw == "" {
		return ""
	}
	return s.policy.Sanitize(raw)
}
