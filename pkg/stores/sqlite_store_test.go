package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRun(t *testing.T, store *SQLiteStore, startedAt time.Time) *Run {
	t.Helper()

	run := &Run{
		ID:        uuid.NewString(),
		Mode:      RunModeDiagnose,
		StartedAt: startedAt.UTC(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

func TestNewSQLiteStore(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected a single connection for :memory:, got %d", store.cfg.MaxOpenConns)
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "nested", "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "problem_results"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := newRun(t, store, time.Now())

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusRunning || got.Mode != RunModeDiagnose || got.Report != "{}" {
		t.Errorf("unexpected run %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("expected no completion time")
	}

	errMsg := "sshd missing"
	err = store.CompleteRun(ctx, run.ID, RunCompletion{
		Status:  "FAILURE",
		Summary: "[FAILURE] Failed to remediate",
		Report:  `{"status":"FAILURE"}`,
		Output:  "[FAILURE] Failed to remediate\n",
		Error:   &errMsg,
	})
	if err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != "FAILURE" || got.Summary != "[FAILURE] Failed to remediate" || got.Report != `{"status":"FAILURE"}` {
		t.Errorf("completion not stored: %+v", got)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion time")
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"get", func() error { _, err := store.GetRun(ctx, "missing"); return err }},
		{"complete", func() error { return store.CompleteRun(ctx, "missing", RunCompletion{Status: "WARN"}) }},
		{"delete", func() error { return store.DeleteRun(ctx, "missing") }},
		{"record", func() error { return store.RecordResults(ctx, "missing", nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, newRun(t, store, base.Add(time.Duration(i)*time.Minute)).ID)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	var got []string
	for _, r := range runs {
		got = append(got, r.ID)
	}
	if diff := cmp.Diff([]string{ids[2], ids[1], ids[0]}, got); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("unexpected page %v", page)
	}
}

func TestRecordResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := newRun(t, store, time.Now())

	results := []ProblemResult{
		{Position: 1, Label: "missing_config_file", State: "OK", ItemType: "Config", Item: "/etc/ssh/sshd_config", InfoMsg: "Missing sshd_config file", Evaluated: true},
		{Position: 0, Label: "missing_sshd", State: "OK", ItemType: "File", Item: "sshd", InfoMsg: "Missing sshd executable", Evaluated: true},
		{Position: 2, Label: "bad_config_options", State: "UNCHECKED", ItemType: "Config", Item: "/etc/ssh/sshd_config", Value: "1,2", InfoMsg: "Bad configuration options"},
	}
	if err := store.RecordResults(ctx, run.ID, results); err != nil {
		t.Fatalf("failed to record results: %v", err)
	}

	got, err := store.ListResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	want := []ProblemResult{results[1], results[0], results[2]}
	for i := range want {
		want[i].RunID = run.ID
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	// Recording again replaces the previous set.
	if err := store.RecordResults(ctx, run.ID, results[:1]); err != nil {
		t.Fatalf("failed to re-record results: %v", err)
	}
	got, _ = store.ListResults(ctx, run.ID)
	if len(got) != 1 {
		t.Errorf("expected 1 result after replace, got %d", len(got))
	}

	// Deleting the run cascades to its results.
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	got, err = store.ListResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected results deleted with run, got %d", len(got))
	}
}

func TestRecordResults_DuplicatePositionRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := newRun(t, store, time.Now())

	if err := store.RecordResults(ctx, run.ID, []ProblemResult{{Position: 0, Label: "a", State: "OK", ItemType: "None"}}); err != nil {
		t.Fatalf("failed to record results: %v", err)
	}

	dup := []ProblemResult{
		{Position: 0, Label: "b", State: "OK", ItemType: "None"},
		{Position: 0, Label: "c", State: "OK", ItemType: "None"},
	}
	if err := store.RecordResults(ctx, run.ID, dup); err == nil {
		t.Fatal("expected error for duplicate position")
	}

	got, _ := store.ListResults(ctx, run.ID)
	if len(got) != 1 || got[0].Label != "a" {
		t.Errorf("expected previous results kept, got %+v", got)
	}
}
