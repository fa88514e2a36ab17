package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

// mockExecutor はExecutorのモック。発行されたクエリと引数を記録する。
type mockExecutor struct {
	mu     sync.Mutex
	calls  int
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v\n%s", err, buf.String())
	}
	return entry
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&bytes.Buffer{}))

	if job.RetentionDays != DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", job.RetentionDays, DefaultRetentionDays)
	}
}

func TestCleanupJob_Run_DeletesIdleReservations(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 7}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM anonymous_users") {
		t.Errorf("クエリが匿名ユーザー名を対象としていない: %s", mock.query)
	}
	if !strings.Contains(mock.query, "last_seen_at") {
		t.Errorf("クエリにlast_seen_atの条件が含まれていない: %s", mock.query)
	}
	for _, table := range []string{"bands", "messages"} {
		if strings.Contains(mock.query, table) {
			t.Errorf("クエリが%sに触れている: %s", table, mock.query)
		}
	}
	if len(mock.args) != 1 || mock.args[0] != "90 days" {
		t.Errorf("args = %v, want [90 days]", mock.args)
	}

	entry := lastLogEntry(t, &buf)
	if entry["deleted_count"] != float64(7) {
		t.Errorf("deleted_count = %v, want 7", entry["deleted_count"])
	}
	if entry["retention_days"] != float64(90) {
		t.Errorf("retention_days = %v, want 90", entry["retention_days"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms がログにない")
	}
}

func TestCleanupJob_Run_CustomRetention(t *testing.T) {
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, newTestLogger(&bytes.Buffer{}))
	job.RetentionDays = 30

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.args[0] != "30 days" {
		t.Errorf("interval = %v, want 30 days", mock.args[0])
	}
}

func TestCleanupJob_Run_ZeroRowsIsNotError(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{result: &fakeResult{}}, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i, err)
		}
	}
	if entry := lastLogEntry(t, &buf); entry["deleted_count"] != float64(0) {
		t.Errorf("deleted_count = %v, want 0", entry["deleted_count"])
	}
}

func TestCleanupJob_Run_Errors(t *testing.T) {
	tests := []struct {
		name string
		mock *mockExecutor
	}{
		{"DELETE失敗", &mockExecutor{err: errors.New("connection refused")}},
		{"件数取得失敗", &mockExecutor{result: &fakeResult{err: errors.New("driver does not support")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := NewCleanupJob(tt.mock, newTestLogger(&buf))

			if err := job.Run(context.Background()); err == nil {
				t.Fatal("エラーが返されるべき")
			}
			if entry := lastLogEntry(t, &buf); entry["level"] != "ERROR" {
				t.Errorf("level = %v, want ERROR", entry["level"])
			}
		})
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("calls = %d, want >= 2", mock.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
