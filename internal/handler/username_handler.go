package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/garage/internal/model"
)

// UsernameServiceInterface は匿名ユーザー名の予約に必要なサービスインターフェース。
type UsernameServiceInterface interface {
	CheckUsernameAvailable(ctx context.Context, name string) (bool, error)
	ReserveUsername(ctx context.Context, name string) (*model.AnonymousUser, error)
	FindAnonymousUser(ctx context.Context, id string) (*model.AnonymousUser, error)
}

// UsernameHandler は匿名ユーザー名のHTTPハンドラー。
type UsernameHandler struct {
	service UsernameServiceInterface
}

// NewUsernameHandler はUsernameHandlerを生成する。
func NewUsernameHandler(service UsernameServiceInterface) *UsernameHandler {
	return &UsernameHandler{service: service}
}

type reserveUsernameRequest struct {
	Username string `json:"username"`
}

type availabilityResponse struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

type anonymousUserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

// Availability は匿名ユーザー名が予約可能かを返す。
// GET /api/usernames/{name}/availability
func (h *UsernameHandler) Availability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	available, err := h.service.CheckUsernameAvailable(r.Context(), name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Username: name, Available: available})
}

// Reserve は匿名ユーザー名を予約する。
// POST /api/usernames
func (h *UsernameHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveUsernameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	user, err := h.service.ReserveUsername(r.Context(), req.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAnonymousUserResponse(user))
}

// Get は予約済みユーザー名を返す。
// GET /api/usernames/{id}
func (h *UsernameHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	user, err := h.service.FindAnonymousUser(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if user == nil {
		handleServiceError(w, model.NewUserNotFoundError())
		return
	}
	writeJSON(w, http.StatusOK, toAnonymousUserResponse(user))
}

func toAnonymousUserResponse(u *model.AnonymousUser) anonymousUserResponse {
	return anonymousUserResponse{
		ID:        u.ID,
		Username:  u.Username,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}
