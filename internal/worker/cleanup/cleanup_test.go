package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockPruner はSessionPrunerのモック実装。
type mockPruner struct {
	mu      sync.Mutex
	calls   int
	befores []time.Time
	deleted int64
	err     error
}

func (m *mockPruner) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.befores = append(m.befores, before)
	return m.deleted, m.err
}

func (m *mockPruner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

var fixedNow = time.Date(2026, 4, 1, 3, 0, 0, 0, time.UTC)

func newTestJob(pruner *mockPruner, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(pruner, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_ReturnsNonNil(t *testing.T) {
	job := NewCleanupJob(&mockPruner{}, nil)

	if job == nil {
		t.Fatal("NewCleanupJob は nil を返してはならない")
	}
	if job.Grace != 0 {
		t.Errorf("Grace = %v, want 0", job.Grace)
	}
}

func TestCleanupJob_Run_DeletesSessionsExpiredBeforeNow(t *testing.T) {
	var buf bytes.Buffer
	pruner := &mockPruner{deleted: 5}
	job := newTestJob(pruner, &buf)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if pruner.callCount() != 1 {
		t.Fatalf("DeleteExpired の呼び出し回数 = %d, want 1", pruner.callCount())
	}
	if !pruner.befores[0].Equal(fixedNow) {
		t.Errorf("before = %v, want %v", pruner.befores[0], fixedNow)
	}
}

func TestCleanupJob_Run_AppliesGrace(t *testing.T) {
	var buf bytes.Buffer
	pruner := &mockPruner{}
	job := newTestJob(pruner, &buf)
	job.Grace = 24 * time.Hour

	_ = job.Run(context.Background())

	want := fixedNow.Add(-24 * time.Hour)
	if !pruner.befores[0].Equal(want) {
		t.Errorf("before = %v, want %v", pruner.befores[0], want)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	tests := []struct {
		name    string
		deleted int64
	}{
		{"削除あり", 42},
		{"0件でもログを出す", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			job := newTestJob(&mockPruner{deleted: tt.deleted}, &buf)

			_ = job.Run(context.Background())

			found := false
			for _, entry := range logEntries(t, &buf) {
				if entry["deleted_count"] == float64(tt.deleted) {
					if _, ok := entry["duration_ms"]; !ok {
						t.Error("ログに duration_ms が記録されていない")
					}
					found = true
				}
			}
			if !found {
				t.Errorf("ログに deleted_count=%d が記録されていない。ログ出力: %s", tt.deleted, buf.String())
			}
		})
	}
}

func TestCleanupJob_Run_ReturnsErrorOnStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{err: sql.ErrConnDone}, &buf)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPruner{}, &buf)

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
}
