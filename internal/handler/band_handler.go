package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/garage/internal/approval"
	"github.com/hitoshi/garage/internal/middleware"
	"github.com/hitoshi/garage/internal/model"
	"github.com/hitoshi/garage/internal/session"
)

// BandServiceInterface はバンド登録と承認に必要なサービスインターフェース。
type BandServiceInterface interface {
	// Register はバンドをpending状態で登録し、管理者へ承認リンクを通知する。
	Register(ctx context.Context, in approval.RegisterInput) (*model.BandAccount, error)
	// Approve は承認トークンを消費する。結果はエラーではなく値で返す。
	Approve(ctx context.Context, token string) (model.ApprovalOutcome, *model.BandAccount, error)
}

// LoginServiceInterface はバンドのログインに必要なサービスインターフェース。
type LoginServiceInterface interface {
	Login(ctx context.Context, username, password string) (*session.LoginResult, error)
}

// BandHandler はバンドアカウントのHTTPハンドラー。
type BandHandler struct {
	bands  BandServiceInterface
	logins LoginServiceInterface
	pages  *approvalPages
}

// NewBandHandler はBandHandlerを生成する。
func NewBandHandler(bands BandServiceInterface, logins LoginServiceInterface) *BandHandler {
	return &BandHandler{
		bands:  bands,
		logins: logins,
		pages:  newApprovalPages(),
	}
}

type registerBandRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// bandResponse はバンド情報のAPIレスポンス。パスワードハッシュとメールアドレスは含めない。
type bandResponse struct {
	ID       string `json:"band_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type registerBandResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Band    bandResponse `json:"band"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	Band      bandResponse `json:"band"`
}

type verifyResponse struct {
	Valid bool         `json:"valid"`
	Band  bandResponse `json:"band"`
}

// Register はバンドの自己登録を処理する。
// POST /api/bands/register
func (h *BandHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerBandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	band, err := h.bands.Register(r.Context(), approval.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerBandResponse{
		Success: true,
		Message: "Registration submitted! You will be able to log in once an admin approves your account.",
		Band:    toBandResponse(band),
	})
}

// Login はバンドのログインを処理する。
// POST /api/bands/login
func (h *BandHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.logins.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		Band:      toBandResponse(result.Band),
	})
}

// Verify はセッショントークンの有効性を返す。バンド認証ミドルウェアの後に配置する。
// GET /api/bands/verify
func (h *BandHandler) Verify(w http.ResponseWriter, r *http.Request) {
	band, err := middleware.BandFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthenticatedError())
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Band: toBandResponse(band)})
}

// Approve は管理者向けの承認リンクを処理し、結果をHTMLで返す。
// GET /api/bands/approve?token=...
func (h *BandHandler) Approve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	outcome, band, err := h.bands.Approve(r.Context(), token)
	if err != nil {
		h.pages.renderError(w)
		return
	}
	h.pages.render(w, outcome, band)
}

func toBandResponse(band *model.BandAccount) bandResponse {
	if band == nil {
		return bandResponse{}
	}
	return bandResponse{
		ID:       band.ID,
		Username: band.Username,
		Status:   string(band.Status),
	}
}
