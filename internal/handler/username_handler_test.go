package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

type mockUsernameService struct {
	checkFn   func(ctx context.Context, name string) (bool, error)
	reserveFn func(ctx context.Context, name string) (*model.AnonymousUser, error)
	findFn    func(ctx context.Context, id string) (*model.AnonymousUser, error)
}

func (m *mockUsernameService) CheckUsernameAvailable(ctx context.Context, name string) (bool, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, name)
	}
	return true, nil
}

func (m *mockUsernameService) ReserveUsername(ctx context.Context, name string) (*model.AnonymousUser, error) {
	if m.reserveFn != nil {
		return m.reserveFn(ctx, name)
	}
	return nil, nil
}

func (m *mockUsernameService) FindAnonymousUser(ctx context.Context, id string) (*model.AnonymousUser, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	return nil, nil
}

func TestUsernameHandler_Availability(t *testing.T) {
	svc := &mockUsernameService{
		checkFn: func(ctx context.Context, name string) (bool, error) {
			return name != "taken", nil
		},
	}
	h := NewUsernameHandler(svc)

	for name, want := range map[string]bool{"free": true, "taken": false} {
		req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/usernames/"+name+"/availability", nil), "name", name)
		w := httptest.NewRecorder()

		h.Availability(w, req)

		var resp availabilityResponse
		decodeBody(t, w, &resp)
		if resp.Available != want {
			t.Errorf("%s: available = %v, want %v", name, resp.Available, want)
		}
	}
}

func TestUsernameHandler_Availability_InvalidName(t *testing.T) {
	svc := &mockUsernameService{
		checkFn: func(ctx context.Context, name string) (bool, error) {
			return false, model.NewValidationError("username", "Username can only contain letters")
		},
	}
	h := NewUsernameHandler(svc)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/usernames/x/availability", nil), "name", "<b>")
	w := httptest.NewRecorder()

	h.Availability(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUsernameHandler_Reserve(t *testing.T) {
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockUsernameService{
		reserveFn: func(ctx context.Context, name string) (*model.AnonymousUser, error) {
			if name != "fan_one" {
				t.Errorf("name = %q", name)
			}
			return &model.AnonymousUser{ID: "u-1", Username: "fan_one", CreatedAt: created}, nil
		},
	}
	h := NewUsernameHandler(svc)

	w := httptest.NewRecorder()
	h.Reserve(w, httptest.NewRequest(http.MethodPost, "/api/usernames", strings.NewReader(`{"username":"fan_one"}`)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var resp anonymousUserResponse
	decodeBody(t, w, &resp)
	if resp.ID != "u-1" || resp.CreatedAt != "2026-05-01T00:00:00Z" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUsernameHandler_Reserve_Duplicate(t *testing.T) {
	svc := &mockUsernameService{
		reserveFn: func(ctx context.Context, name string) (*model.AnonymousUser, error) {
			return nil, model.NewDuplicateUsernameError()
		},
	}
	h := NewUsernameHandler(svc)

	w := httptest.NewRecorder()
	h.Reserve(w, httptest.NewRequest(http.MethodPost, "/api/usernames", strings.NewReader(`{"username":"The Amps"}`)))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if got := parseAPIErrorResponse(t, w); got.Code != model.ErrCodeDuplicateUsername {
		t.Errorf("code = %q", got.Code)
	}
}

func TestUsernameHandler_Get(t *testing.T) {
	svc := &mockUsernameService{
		findFn: func(ctx context.Context, id string) (*model.AnonymousUser, error) {
			if id == "u-1" {
				return &model.AnonymousUser{ID: "u-1", Username: "fan_one"}, nil
			}
			return nil, nil
		},
	}
	h := NewUsernameHandler(svc)

	w := httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/usernames/u-1", nil), "id", "u-1"))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/usernames/u-2", nil), "id", "u-2"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if got := parseAPIErrorResponse(t, w); got.Code != model.ErrCodeUserNotFound {
		t.Errorf("code = %q", got.Code)
	}
}
