package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/hitoshi/garage/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// RATE_LIMITEDの場合はRetry-Afterヘッダー（秒、切り上げ）を付与する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	if apiErr.Code == model.ErrCodeRateLimited && apiErr.RetryAfter > 0 {
		secs := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "Internal server error",
		Category: "system",
		Action:   "Please try again later.",
	})
}

// WriteError はエラーを分類してレスポンスを書き込む。
// APIErrorを含まないエラーはログに記録して500を返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForError(apiErr), apiErr)
		return
	}
	slog.Error("internal server error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// StatusForError はAPIErrorコードからHTTPステータスコードにマッピングする。
func StatusForError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, model.ErrCodeInvalidMessage:
		return http.StatusBadRequest
	case model.ErrCodeChannelNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateUsername, model.ErrCodeDuplicateEmail:
		return http.StatusConflict
	case model.ErrCodeAuthFailed, model.ErrCodeTokenExpired, model.ErrCodeTokenInvalid,
		model.ErrCodeBandNotFound, model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodePendingApproval:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
