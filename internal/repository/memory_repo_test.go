package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/garage/internal/model"
)

func newBand(id, username, email string) (*model.BandAccount, *model.ApprovalToken) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.BandAccount{
			ID:           id,
			Username:     username,
			Email:        email,
			PasswordHash: "hash",
			Status:       model.BandStatusPending,
			CreatedAt:    now,
		}, &model.ApprovalToken{
			Token:     "token-" + id,
			BandID:    id,
			CreatedAt: now,
		}
}

func TestMemoryBandRepo_CreateAndFindCaseInsensitive(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()

	band, token := newBand("b1", "Loud Noises", "a@b.com")
	if err := repo.CreateWithApprovalToken(ctx, band, token); err != nil {
		t.Fatalf("CreateWithApprovalToken() error = %v", err)
	}

	got, err := repo.FindByUsername(ctx, "LOUD noises")
	if err != nil {
		t.Fatalf("FindByUsername() error = %v", err)
	}
	if got == nil || got.ID != "b1" {
		t.Fatalf("FindByUsername() = %+v, want band b1", got)
	}
	if got.Status != model.BandStatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}

	missing, err := repo.FindByUsername(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("FindByUsername(nobody) = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestMemoryBandRepo_RejectsDuplicates(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()

	band, token := newBand("b1", "Loud Noises", "a@b.com")
	if err := repo.CreateWithApprovalToken(ctx, band, token); err != nil {
		t.Fatalf("CreateWithApprovalToken() error = %v", err)
	}

	dupName, tok2 := newBand("b2", "loud noises", "other@b.com")
	if err := repo.CreateWithApprovalToken(ctx, dupName, tok2); !model.IsCode(err, model.ErrCodeDuplicateUsername) {
		t.Errorf("duplicate username error = %v, want %s", err, model.ErrCodeDuplicateUsername)
	}

	dupEmail, tok3 := newBand("b3", "Quiet", "A@B.COM")
	if err := repo.CreateWithApprovalToken(ctx, dupEmail, tok3); !model.IsCode(err, model.ErrCodeDuplicateEmail) {
		t.Errorf("duplicate email error = %v, want %s", err, model.ErrCodeDuplicateEmail)
	}
}

// 同じユーザー名の同時登録はちょうど1件だけ成功する
func TestMemoryBandRepo_ConcurrentSameUsername_OnlyOneWins(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			band, token := newBand(fmt.Sprintf("b%d", i), "Same Name", fmt.Sprintf("u%d@b.com", i))
			errs[i] = repo.CreateWithApprovalToken(ctx, band, token)
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case !model.IsCode(err, model.ErrCodeDuplicateUsername):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Errorf("successful registrations = %d, want 1", success)
	}
}

func TestMemoryBandRepo_ConsumeApprovalToken(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()
	band, token := newBand("b1", "Loud Noises", "a@b.com")
	if err := repo.CreateWithApprovalToken(ctx, band, token); err != nil {
		t.Fatalf("CreateWithApprovalToken() error = %v", err)
	}
	approvedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	outcome, got, err := repo.ConsumeApprovalToken(ctx, token.Token, approvedAt)
	if err != nil {
		t.Fatalf("1回目 error = %v", err)
	}
	if outcome != model.ApprovalApproved {
		t.Errorf("1回目 outcome = %q, want approved", outcome)
	}
	if got.Status != model.BandStatusApproved || got.ApprovedAt == nil || !got.ApprovedAt.Equal(approvedAt) {
		t.Errorf("approved band = %+v", got)
	}

	outcome, _, err = repo.ConsumeApprovalToken(ctx, token.Token, approvedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("2回目 error = %v", err)
	}
	if outcome != model.ApprovalAlreadyApproved {
		t.Errorf("2回目 outcome = %q, want already_approved", outcome)
	}

	stored, _ := repo.FindByID(ctx, "b1")
	if !stored.ApprovedAt.Equal(approvedAt) {
		t.Errorf("ApprovedAt changed on replay: %v", stored.ApprovedAt)
	}

	outcome, _, err = repo.ConsumeApprovalToken(ctx, "unknown", approvedAt)
	if err != nil || outcome != model.ApprovalInvalidToken {
		t.Errorf("unknown token = (%q, %v), want invalid_token", outcome, err)
	}
}

// 同一トークンの同時消費でapprovedになるのは1回だけ
func TestMemoryBandRepo_ConsumeApprovalToken_Concurrent(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()
	band, token := newBand("b1", "Loud Noises", "a@b.com")
	if err := repo.CreateWithApprovalToken(ctx, band, token); err != nil {
		t.Fatalf("CreateWithApprovalToken() error = %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	outcomes := make([]model.ApprovalOutcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _, _ = repo.ConsumeApprovalToken(ctx, token.Token, time.Now())
		}(i)
	}
	wg.Wait()

	approved := 0
	for _, o := range outcomes {
		if o == model.ApprovalApproved {
			approved++
		} else if o != model.ApprovalAlreadyApproved {
			t.Errorf("unexpected outcome %q", o)
		}
	}
	if approved != 1 {
		t.Errorf("approved count = %d, want 1", approved)
	}
}

// 処理中のusernameがあっても、別のアカウントの登録と承認は待たされない。
// 同じusernameの登録だけがロック解放まで待つ。
func TestMemoryBandRepo_UnrelatedKeysDoNotBlock(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()

	approved, approvedToken := newBand("b0", "Approved Band", "approved@example.com")
	if err := repo.CreateWithApprovalToken(ctx, approved, approvedToken); err != nil {
		t.Fatalf("CreateWithApprovalToken() error = %v", err)
	}

	unlock := repo.keys.Lock("username:busy band")

	other := make(chan error, 2)
	go func() {
		band, token := newBand("b1", "Other Band", "other@example.com")
		other <- repo.CreateWithApprovalToken(ctx, band, token)
	}()
	go func() {
		_, _, err := repo.ConsumeApprovalToken(ctx, approvedToken.Token, time.Now())
		other <- err
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-other:
			if err != nil {
				t.Errorf("unrelated operation error = %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("unrelated operation blocked by another username's lock")
		}
	}

	same := make(chan error, 1)
	go func() {
		band, token := newBand("b2", "Busy Band", "busy@example.com")
		same <- repo.CreateWithApprovalToken(ctx, band, token)
	}()
	select {
	case err := <-same:
		t.Fatalf("same username finished while locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case err := <-same:
		if err != nil {
			t.Errorf("CreateWithApprovalToken() after unlock error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("same username still blocked after unlock")
	}
}

func TestMemoryBandRepo_UpdateLastLogin(t *testing.T) {
	repo := NewMemoryBandRepo()
	ctx := context.Background()
	band, token := newBand("b1", "Loud Noises", "a@b.com")
	_ = repo.CreateWithApprovalToken(ctx, band, token)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.UpdateLastLogin(ctx, "b1", at); err != nil {
		t.Fatalf("UpdateLastLogin() error = %v", err)
	}
	got, _ := repo.FindByID(ctx, "b1")
	if got.LastLogin == nil || !got.LastLogin.Equal(at) {
		t.Errorf("LastLogin = %v, want %v", got.LastLogin, at)
	}
}

func TestMemoryMessageRepo_AppendAssignsSeqAndMonotonicTimestamp(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := &model.Message{ID: "m1", ChannelID: "general", Text: "a", ServerTimestamp: base}
	second := &model.Message{ID: "m2", ChannelID: "general", Text: "b", ServerTimestamp: base.Add(-time.Second)}
	other := &model.Message{ID: "m3", ChannelID: "recommendations", Text: "c", ServerTimestamp: base}

	for _, m := range []*model.Message{first, second, other} {
		if err := repo.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if other.Seq != 1 {
		t.Errorf("other channel seq = %d, want 1", other.Seq)
	}
	if second.ServerTimestamp.Before(first.ServerTimestamp) {
		t.Errorf("timestamp went backwards: %v < %v", second.ServerTimestamp, first.ServerTimestamp)
	}
}

func TestMemoryMessageRepo_ListRecent(t *testing.T) {
	repo := NewMemoryMessageRepo()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = repo.Append(ctx, &model.Message{ID: fmt.Sprint(i), ChannelID: "general", Text: fmt.Sprint(i), ServerTimestamp: time.Now()})
	}

	got, err := repo.ListRecent(ctx, "general", 3)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{8, 9, 10} {
		if got[i].Seq != want {
			t.Errorf("got[%d].Seq = %d, want %d", i, got[i].Seq, want)
		}
	}

	empty, err := repo.ListRecent(ctx, "announcements", 50)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty channel = (%v, %v), want empty", empty, err)
	}
}

func TestMemoryAnonymousUserRepo_ReserveCaseInsensitive(t *testing.T) {
	repo := NewMemoryAnonymousUserRepo()
	ctx := context.Background()
	now := time.Now()

	if err := repo.Reserve(ctx, &model.AnonymousUser{ID: "u1", Username: "Fan_1", CreatedAt: now, LastSeenAt: now}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	err := repo.Reserve(ctx, &model.AnonymousUser{ID: "u2", Username: "fan_1", CreatedAt: now, LastSeenAt: now})
	if !model.IsCode(err, model.ErrCodeDuplicateUsername) {
		t.Errorf("duplicate Reserve() error = %v, want %s", err, model.ErrCodeDuplicateUsername)
	}

	n, _ := repo.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	later := now.Add(time.Hour)
	_ = repo.Touch(ctx, "u1", later)
	got, _ := repo.FindByID(ctx, "u1")
	if got == nil || !got.LastSeenAt.Equal(later) {
		t.Errorf("LastSeenAt = %v, want %v", got, later)
	}
}

func TestMemoryStatsRepo_IncrementVisits(t *testing.T) {
	repo := NewMemoryStatsRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.IncrementVisits(ctx)
		}()
	}
	wg.Wait()

	total, _ := repo.TotalVisits(ctx)
	if total != 100 {
		t.Errorf("TotalVisits() = %d, want 100", total)
	}
}
