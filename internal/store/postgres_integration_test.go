package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Integration tests against a real Postgres. Skipped unless
// PLANLOOM_TEST_DATABASE_URL points at a disposable database; the public
// schema is dropped and re-migrated per test.

func openTestStore(t *testing.T) (context.Context, *PostgresStore) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PLANLOOM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PLANLOOM_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return ctx, NewPostgresStore(db)
}

func seedPlan(ctx context.Context, t *testing.T, s *PostgresStore) string {
	t.Helper()
	if err := s.InsertPlan(ctx, Plan{ID: "plan_it", Name: "Integration Plan"}); err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	return "plan_it"
}

func insertChapters(ctx context.Context, t *testing.T, s *PostgresStore, planID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := s.InsertChapter(ctx, Chapter{ID: id, PlanID: planID, Title: "Chapter " + id}); err != nil {
			t.Fatalf("insert chapter %s: %v", id, err)
		}
	}
}

func chapterOrder(ctx context.Context, t *testing.T, s *PostgresStore, planID string) map[string]int {
	t.Helper()
	rows, err := s.ListChapters(ctx, planID)
	if err != nil {
		t.Fatalf("list chapters: %v", err)
	}
	order := make(map[string]int, len(rows))
	for _, row := range rows {
		order[row.ID] = row.SortOrder
	}
	return order
}

func TestInsertChapterAppendsOrderPostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)

	insertChapters(ctx, t, s, planID, "ch_a", "ch_b", "ch_c")

	order := chapterOrder(ctx, t, s, planID)
	if order["ch_a"] != 0 || order["ch_b"] != 1 || order["ch_c"] != 2 {
		t.Errorf("root orders = %v, want contiguous 0..2", order)
	}

	// a child starts its own sibling group at zero
	parent := "ch_a"
	child, err := s.InsertChapter(ctx, Chapter{ID: "ch_a1", PlanID: planID, ParentID: &parent, Title: "Child"})
	if err != nil {
		t.Fatalf("insert child chapter: %v", err)
	}
	if child.SortOrder != 0 {
		t.Errorf("child order = %d, want 0", child.SortOrder)
	}
}

func TestInsertSectionAppendsOrderPostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)
	insertChapters(ctx, t, s, planID, "ch_a")

	content := json.RawMessage(`{"type": "text", "text": "hello"}`)
	for i, id := range []string{"sec_a", "sec_b", "sec_c"} {
		inserted, err := s.InsertSection(ctx, Section{ID: id, ChapterID: "ch_a", Content: content})
		if err != nil {
			t.Fatalf("insert section %s: %v", id, err)
		}
		if inserted.SortOrder != i {
			t.Errorf("section %s order = %d, want %d", id, inserted.SortOrder, i)
		}
	}

	if err := s.DeleteSection(ctx, "sec_b"); err != nil {
		t.Fatalf("delete section: %v", err)
	}
	remaining, err := s.ListSections(ctx, planID)
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(remaining))
	}
	if remaining[0].ID != "sec_a" || remaining[0].SortOrder != 0 ||
		remaining[1].ID != "sec_c" || remaining[1].SortOrder != 1 {
		t.Errorf("sections not resequenced: %+v", remaining)
	}
}

func TestDeleteChapterCascadeResequencesPostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)
	insertChapters(ctx, t, s, planID, "ch_a", "ch_b", "ch_c")

	content := json.RawMessage(`{"type": "text", "text": "doomed"}`)
	if _, err := s.InsertSection(ctx, Section{ID: "sec_b", ChapterID: "ch_b", Content: content}); err != nil {
		t.Fatalf("insert section: %v", err)
	}

	if err := s.DeleteChapterCascade(ctx, planID, []string{"ch_b"}); err != nil {
		t.Fatalf("delete chapter cascade: %v", err)
	}

	order := chapterOrder(ctx, t, s, planID)
	if len(order) != 2 || order["ch_a"] != 0 || order["ch_c"] != 1 {
		t.Errorf("orders after delete = %v, want ch_a=0 ch_c=1", order)
	}
	if _, err := s.GetSection(ctx, "sec_b"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("section of deleted chapter still present: %v", err)
	}
}

func TestReorderChaptersRollsBackOnMismatchPostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)
	insertChapters(ctx, t, s, planID, "ch_a", "ch_b", "ch_c")

	// short list never matches the sibling count
	if err := s.ReorderChapters(ctx, planID, nil, []string{"ch_c", "ch_a"}); !errors.Is(err, ErrReorderMismatch) {
		t.Fatalf("expected ErrReorderMismatch for short list, got %v", err)
	}

	// right count but a foreign id: the rows updated before the miss must
	// roll back with the transaction
	if err := s.ReorderChapters(ctx, planID, nil, []string{"ch_c", "ch_b", "ch_ghost"}); !errors.Is(err, ErrReorderMismatch) {
		t.Fatalf("expected ErrReorderMismatch for unknown id, got %v", err)
	}
	order := chapterOrder(ctx, t, s, planID)
	if order["ch_a"] != 0 || order["ch_b"] != 1 || order["ch_c"] != 2 {
		t.Errorf("failed reorder leaked partial updates: %v", order)
	}

	if err := s.ReorderChapters(ctx, planID, nil, []string{"ch_c", "ch_a", "ch_b"}); err != nil {
		t.Fatalf("valid reorder failed: %v", err)
	}
	order = chapterOrder(ctx, t, s, planID)
	if order["ch_c"] != 0 || order["ch_a"] != 1 || order["ch_b"] != 2 {
		t.Errorf("reorder not applied: %v", order)
	}
}

func TestDeleteTaskCascadePostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)

	parent, err := s.InsertTask(ctx, Task{ID: "t_h1", PlanID: planID, Title: "Draft", Status: "todo", HierarchyLevel: "h1"})
	if err != nil {
		t.Fatalf("insert h1: %v", err)
	}
	for _, id := range []string{"t_h2a", "t_h2b"} {
		if _, err := s.InsertTask(ctx, Task{ID: id, PlanID: planID, Title: "Sub", Status: "todo", HierarchyLevel: "h2", ParentTaskID: &parent.ID}); err != nil {
			t.Fatalf("insert h2 %s: %v", id, err)
		}
	}
	if _, err := s.InsertTask(ctx, Task{ID: "t_other", PlanID: planID, Title: "Review", Status: "todo", HierarchyLevel: "h1"}); err != nil {
		t.Fatalf("insert second h1: %v", err)
	}

	if err := s.DeleteTaskCascade(ctx, planID, "t_h1"); err != nil {
		t.Fatalf("delete task cascade: %v", err)
	}

	remaining, err := s.ListTasks(ctx, planID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "t_other" {
		t.Fatalf("expected only t_other to survive, got %+v", remaining)
	}
	if remaining[0].SortOrder != 0 {
		t.Errorf("surviving h1 order = %d, want 0", remaining[0].SortOrder)
	}

	if err := s.DeleteTaskCascade(ctx, planID, "t_ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for unknown task, got %v", err)
	}
}

func TestResolvePendingChangeTerminalGuardPostgres(t *testing.T) {
	ctx, s := openTestStore(t)
	planID := seedPlan(ctx, t, s)

	message := ChatMessage{ID: "msg_it", PlanID: planID, Role: "assistant", Content: "Suggested edits below."}
	changes := []PendingChange{
		{ID: "chg_open", ChangeType: "add_chapter", ProposedData: json.RawMessage(`{"title": "Risks"}`)},
		{ID: "chg_legacy", ChangeType: "add_chapter", ProposedData: json.RawMessage(`{"title": "Exit"}`)},
	}
	if err := s.CreateAssistantTurn(ctx, message, changes); err != nil {
		t.Fatalf("create assistant turn: %v", err)
	}

	changed, err := s.ResolvePendingChange(ctx, "chg_open", "approved")
	if err != nil {
		t.Fatalf("resolve pending change: %v", err)
	}
	if !changed {
		t.Fatal("first resolution should report changed=true")
	}
	row, err := s.GetPendingChange(ctx, "chg_open")
	if err != nil {
		t.Fatalf("get pending change: %v", err)
	}
	if row.Status != "approved" || row.ResolvedAt == nil {
		t.Errorf("resolved row = status %q resolvedAt %v", row.Status, row.ResolvedAt)
	}

	// a terminal row never transitions again
	if changed, err = s.ResolvePendingChange(ctx, "chg_open", "rejected"); err != nil || changed {
		t.Errorf("second resolution: changed=%v err=%v, want false nil", changed, err)
	}
	if row, err = s.GetPendingChange(ctx, "chg_open"); err != nil || row.Status != "approved" {
		t.Errorf("terminal status overwritten: status=%q err=%v", row.Status, err)
	}

	// rows written by older builds carry the legacy accepted spelling;
	// they are just as terminal
	if _, err := s.DB().ExecContext(ctx, `UPDATE pending_changes SET status='accepted', resolved_at=NOW() WHERE id='chg_legacy'`); err != nil {
		t.Fatalf("backdate legacy row: %v", err)
	}
	if changed, err = s.ResolvePendingChange(ctx, "chg_legacy", "approved"); err != nil || changed {
		t.Errorf("legacy resolution: changed=%v err=%v, want false nil", changed, err)
	}
}
