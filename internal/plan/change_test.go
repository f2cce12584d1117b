package plan

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeChangeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want ChangeStatus
	}{
		{"pending", ChangePending},
		{"approved", ChangeApproved},
		{"accepted", ChangeApproved},
		{" Accepted ", ChangeApproved},
		{"rejected", ChangeRejected},
		{"", ChangePending},
		{"garbage", ChangePending},
	}
	for _, tt := range tests {
		if got := NormalizeChangeStatus(tt.raw); got != tt.want {
			t.Errorf("NormalizeChangeStatus(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestChangeStatusTerminal(t *testing.T) {
	if ChangePending.Terminal() {
		t.Error("pending must not be terminal")
	}
	if !ChangeApproved.Terminal() || !ChangeRejected.Terminal() {
		t.Error("approved and rejected must be terminal")
	}
}

func TestRequiresTarget(t *testing.T) {
	withTarget := []ChangeType{ChangeUpdateChapter, ChangeDeleteChapter, ChangeUpdateSection, ChangeDeleteSection, ChangeUpdateTask, ChangeDeleteTask}
	for _, ct := range withTarget {
		if !ct.RequiresTarget() {
			t.Errorf("%s should require a target", ct)
		}
	}
	without := []ChangeType{ChangeAddChapter, ChangeAddSection, ChangeAddTask, ChangeReorderChapters, ChangeReorderSections}
	for _, ct := range without {
		if ct.RequiresTarget() {
			t.Errorf("%s should not require a target", ct)
		}
	}
}

func TestParseChangeOpAddChapter(t *testing.T) {
	op, err := ParseChangeOp(ChangeAddChapter, nil, json.RawMessage(`{"title": "  Market Analysis  "}`))
	if err != nil {
		t.Fatalf("ParseChangeOp failed: %v", err)
	}
	add, ok := op.(AddChapterOp)
	if !ok {
		t.Fatalf("expected AddChapterOp, got %T", op)
	}
	if add.Title != "Market Analysis" {
		t.Errorf("title not trimmed: %q", add.Title)
	}
}

func TestParseChangeOpMissingTarget(t *testing.T) {
	_, err := ParseChangeOp(ChangeDeleteChapter, nil, nil)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParseChangeOpAddSection(t *testing.T) {
	raw := json.RawMessage(`{"chapterId": "ch1", "content": {"type": "text", "text": "body"}}`)
	op, err := ParseChangeOp(ChangeAddSection, nil, raw)
	if err != nil {
		t.Fatalf("ParseChangeOp failed: %v", err)
	}
	add := op.(AddSectionOp)
	if add.ChapterID != "ch1" {
		t.Errorf("unexpected chapterId %q", add.ChapterID)
	}
	if add.Content.Type() != ContentText {
		t.Errorf("unexpected content type %s", add.Content.Type())
	}

	if _, err := ParseChangeOp(ChangeAddSection, nil, json.RawMessage(`{"content": {"type": "text"}}`)); err == nil {
		t.Error("expected error for missing chapterId")
	}
	if _, err := ParseChangeOp(ChangeAddSection, nil, json.RawMessage(`{"chapterId": "ch1", "content": {"type": "bogus"}}`)); err == nil {
		t.Error("expected error for invalid content")
	}
}

func TestParseChangeOpAddTask(t *testing.T) {
	op, err := ParseChangeOp(ChangeAddTask, nil, json.RawMessage(`{"title": "Draft"}`))
	if err != nil {
		t.Fatalf("ParseChangeOp failed: %v", err)
	}
	if op.(AddTaskOp).HierarchyLevel != LevelH1 {
		t.Error("level should default to h1")
	}

	if _, err := ParseChangeOp(ChangeAddTask, nil, json.RawMessage(`{"title": "Sub", "hierarchyLevel": "h2"}`)); err == nil {
		t.Error("expected error for h2 without parentTaskId")
	}
}

func TestParseChangeOpUpdateTask(t *testing.T) {
	target := strPtr("t1")
	if _, err := ParseChangeOp(ChangeUpdateTask, target, json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for empty patch")
	}
	if _, err := ParseChangeOp(ChangeUpdateTask, target, json.RawMessage(`{"status": "paused"}`)); err == nil {
		t.Error("expected error for unknown status")
	}
	op, err := ParseChangeOp(ChangeUpdateTask, target, json.RawMessage(`{"status": "done"}`))
	if err != nil {
		t.Fatalf("ParseChangeOp failed: %v", err)
	}
	if *op.(UpdateTaskOp).Status != TaskDone {
		t.Error("status not decoded")
	}
}

func TestParseChangeOpReorder(t *testing.T) {
	if _, err := ParseChangeOp(ChangeReorderChapters, nil, json.RawMessage(`{"orderedIds": []}`)); err == nil {
		t.Error("expected error for empty orderedIds")
	}
	if _, err := ParseChangeOp(ChangeReorderSections, nil, json.RawMessage(`{"orderedIds": ["a"]}`)); err == nil {
		t.Error("expected error for missing chapterId")
	}
	op, err := ParseChangeOp(ChangeReorderSections, nil, json.RawMessage(`{"chapterId": "ch1", "orderedIds": ["a", "b"]}`))
	if err != nil {
		t.Fatalf("ParseChangeOp failed: %v", err)
	}
	if len(op.(ReorderSectionsOp).OrderedIDs) != 2 {
		t.Error("orderedIds not decoded")
	}
}

func TestSummarize(t *testing.T) {
	lookup := func(id string) (string, bool) {
		if id == "t1" {
			return "Draft all chapters", true
		}
		return "", false
	}

	title := "Rename me"
	done := TaskDone
	data, _ := json.Marshal(UpdateTaskOp{Title: &title, Status: &done})
	change := PendingChange{Type: ChangeUpdateTask, TargetID: strPtr("t1"), ProposedData: data}

	got := Summarize(change, lookup)
	want := "Update task Draft all chapters: title: Rename me | status: done"
	if got != want {
		t.Errorf("Summarize = %q, want %q", got, want)
	}
}

func TestSummarizeDeletedTargetDegradesToID(t *testing.T) {
	change := PendingChange{Type: ChangeDeleteChapter, TargetID: strPtr("ch_gone"), ProposedData: json.RawMessage(`{}`)}
	got := Summarize(change, func(string) (string, bool) { return "", false })
	if got != `Delete chapter "ch_gone" and its contents` {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestSummarizeInvalidPayload(t *testing.T) {
	change := PendingChange{Type: ChangeAddChapter, ProposedData: json.RawMessage(`{"title": ""}`)}
	if got := Summarize(change, nil); got != "add_chapter (invalid payload)" {
		t.Errorf("unexpected summary: %q", got)
	}
}

func TestSummarizeDeterministic(t *testing.T) {
	data, _ := json.Marshal(AddChapterOp{Title: "Risks"})
	change := PendingChange{Type: ChangeAddChapter, ProposedData: data}
	first := Summarize(change, nil)
	for i := 0; i < 5; i++ {
		if got := Summarize(change, nil); got != first {
			t.Fatalf("summary changed between calls: %q then %q", first, got)
		}
	}
}
