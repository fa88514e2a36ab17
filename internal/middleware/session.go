// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/garage/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// bandContextKey はリクエストコンテキストに認証済みバンドを格納するためのキー。
var bandContextKey = contextKey("band")

// BandVerifier はセッショントークンの検証に必要なインターフェース。
// session.Serviceの部分集合として定義する。
type BandVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*model.BandAccount, error)
}

// NewBandAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みバンドをリクエストコンテキストに注入する。
// トークンがない場合はUNAUTHENTICATED、検証失敗時はその分類のエラーを返す。
func NewBandAuthMiddleware(verifier BandVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				WriteError(w, model.NewUnauthenticatedError())
				return
			}

			band, err := verifier.VerifyToken(r.Context(), raw)
			if err != nil {
				WriteError(w, err)
				return
			}

			setLoggedBandID(r.Context(), band.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithBand(r.Context(), band)))
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。無い場合は空文字列。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// BandFromContext はリクエストコンテキストから認証済みバンドを取得する。
// バンド認証ミドルウェアを通過したリクエストでのみ有効。
func BandFromContext(ctx context.Context) (*model.BandAccount, error) {
	band, ok := ctx.Value(bandContextKey).(*model.BandAccount)
	if !ok || band == nil {
		return nil, fmt.Errorf("band not found in context")
	}
	return band, nil
}

// BandIDFromContext はリクエストコンテキストからバンドIDを取得する。
func BandIDFromContext(ctx context.Context) (string, error) {
	band, err := BandFromContext(ctx)
	if err != nil {
		return "", err
	}
	return band.ID, nil
}

// ContextWithBand はコンテキストに認証済みバンドを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithBand(ctx context.Context, band *model.BandAccount) context.Context {
	return context.WithValue(ctx, bandContextKey, band)
}
