package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"planloom/api/internal/ai"
	"planloom/api/internal/config"
	"planloom/api/internal/plan"
	"planloom/api/internal/store"
)

type fakeStore struct {
	getPlanFn              func(context.Context, string) (store.Plan, error)
	listChaptersFn         func(context.Context, string) ([]store.Chapter, error)
	getChapterFn           func(context.Context, string) (store.Chapter, error)
	insertChapterFn        func(context.Context, store.Chapter) (store.Chapter, error)
	updateChapterTitleFn   func(context.Context, string, string) (store.Chapter, error)
	deleteChapterCascadeFn func(context.Context, string, []string) error
	reorderChaptersFn      func(context.Context, string, *string, []string) error
	listSectionsFn         func(context.Context, string) ([]store.Section, error)
	getSectionFn           func(context.Context, string) (store.Section, error)
	insertSectionFn        func(context.Context, store.Section) (store.Section, error)
	updateSectionContentFn func(context.Context, string, json.RawMessage) (store.Section, error)
	listTasksFn            func(context.Context, string) ([]store.Task, error)
	getTaskFn              func(context.Context, string) (store.Task, error)
	insertTaskFn           func(context.Context, store.Task) (store.Task, error)
	updateTaskFn           func(context.Context, string, *string, *string) (store.Task, error)
	deleteTaskCascadeFn    func(context.Context, string, string) error
	listChatMessagesFn     func(context.Context, string) ([]store.ChatMessage, error)
	insertChatMessageFn    func(context.Context, store.ChatMessage) error
	createAssistantTurnFn  func(context.Context, store.ChatMessage, []store.PendingChange) error
	listPendingChangesFn   func(context.Context, string) ([]store.PendingChange, error)
	listChangesByMessageFn func(context.Context, string) ([]store.PendingChange, error)
	listChangesByTargetFn  func(context.Context, string) ([]store.PendingChange, error)
	getPendingChangeFn     func(context.Context, string) (store.PendingChange, error)
	resolvePendingChangeFn func(context.Context, string, string) (bool, error)
}

func (f *fakeStore) Ping(context.Context) error                 { return nil }
func (f *fakeStore) ListPlans(context.Context) ([]store.Plan, error) { return nil, nil }
func (f *fakeStore) GetPlan(ctx context.Context, planID string) (store.Plan, error) {
	if f.getPlanFn != nil {
		return f.getPlanFn(ctx, planID)
	}
	return store.Plan{ID: planID, Name: "Test Plan"}, nil
}
func (f *fakeStore) InsertPlan(context.Context, store.Plan) error { return nil }
func (f *fakeStore) ListChapters(ctx context.Context, planID string) ([]store.Chapter, error) {
	if f.listChaptersFn != nil {
		return f.listChaptersFn(ctx, planID)
	}
	return nil, nil
}
func (f *fakeStore) GetChapter(ctx context.Context, chapterID string) (store.Chapter, error) {
	if f.getChapterFn != nil {
		return f.getChapterFn(ctx, chapterID)
	}
	return store.Chapter{}, sql.ErrNoRows
}
func (f *fakeStore) InsertChapter(ctx context.Context, item store.Chapter) (store.Chapter, error) {
	if f.insertChapterFn != nil {
		return f.insertChapterFn(ctx, item)
	}
	return item, nil
}
func (f *fakeStore) UpdateChapterTitle(ctx context.Context, chapterID, title string) (store.Chapter, error) {
	if f.updateChapterTitleFn != nil {
		return f.updateChapterTitleFn(ctx, chapterID, title)
	}
	return store.Chapter{ID: chapterID, Title: title}, nil
}
func (f *fakeStore) DeleteChapterCascade(ctx context.Context, planID string, chapterIDs []string) error {
	if f.deleteChapterCascadeFn != nil {
		return f.deleteChapterCascadeFn(ctx, planID, chapterIDs)
	}
	return nil
}
func (f *fakeStore) ReorderChapters(ctx context.Context, planID string, parentID *string, orderedIDs []string) error {
	if f.reorderChaptersFn != nil {
		return f.reorderChaptersFn(ctx, planID, parentID, orderedIDs)
	}
	return nil
}
func (f *fakeStore) ListSections(ctx context.Context, planID string) ([]store.Section, error) {
	if f.listSectionsFn != nil {
		return f.listSectionsFn(ctx, planID)
	}
	return nil, nil
}
func (f *fakeStore) GetSection(ctx context.Context, sectionID string) (store.Section, error) {
	if f.getSectionFn != nil {
		return f.getSectionFn(ctx, sectionID)
	}
	return store.Section{}, sql.ErrNoRows
}
func (f *fakeStore) InsertSection(ctx context.Context, item store.Section) (store.Section, error) {
	if f.insertSectionFn != nil {
		return f.insertSectionFn(ctx, item)
	}
	return item, nil
}
func (f *fakeStore) UpdateSectionContent(ctx context.Context, sectionID string, content json.RawMessage) (store.Section, error) {
	if f.updateSectionContentFn != nil {
		return f.updateSectionContentFn(ctx, sectionID, content)
	}
	return store.Section{ID: sectionID, Content: content}, nil
}
func (f *fakeStore) DeleteSection(context.Context, string) error { return nil }
func (f *fakeStore) ReorderSections(context.Context, string, []string) error {
	return nil
}
func (f *fakeStore) ListTasks(ctx context.Context, planID string) ([]store.Task, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, planID)
	}
	return nil, nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) InsertTask(ctx context.Context, item store.Task) (store.Task, error) {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, item)
	}
	return item, nil
}
func (f *fakeStore) UpdateTask(ctx context.Context, taskID string, title, status *string) (store.Task, error) {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, taskID, title, status)
	}
	return store.Task{ID: taskID}, nil
}
func (f *fakeStore) DeleteTaskCascade(ctx context.Context, planID, taskID string) error {
	if f.deleteTaskCascadeFn != nil {
		return f.deleteTaskCascadeFn(ctx, planID, taskID)
	}
	return nil
}
func (f *fakeStore) ListChatMessages(ctx context.Context, planID string) ([]store.ChatMessage, error) {
	if f.listChatMessagesFn != nil {
		return f.listChatMessagesFn(ctx, planID)
	}
	return nil, nil
}
func (f *fakeStore) InsertChatMessage(ctx context.Context, item store.ChatMessage) error {
	if f.insertChatMessageFn != nil {
		return f.insertChatMessageFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) CreateAssistantTurn(ctx context.Context, message store.ChatMessage, changes []store.PendingChange) error {
	if f.createAssistantTurnFn != nil {
		return f.createAssistantTurnFn(ctx, message, changes)
	}
	return nil
}
func (f *fakeStore) ListPendingChanges(ctx context.Context, planID string) ([]store.PendingChange, error) {
	if f.listPendingChangesFn != nil {
		return f.listPendingChangesFn(ctx, planID)
	}
	return nil, nil
}
func (f *fakeStore) ListChangesByMessage(ctx context.Context, messageID string) ([]store.PendingChange, error) {
	if f.listChangesByMessageFn != nil {
		return f.listChangesByMessageFn(ctx, messageID)
	}
	return nil, nil
}
func (f *fakeStore) ListChangesByTarget(ctx context.Context, targetID string) ([]store.PendingChange, error) {
	if f.listChangesByTargetFn != nil {
		return f.listChangesByTargetFn(ctx, targetID)
	}
	return nil, nil
}
func (f *fakeStore) GetPendingChange(ctx context.Context, changeID string) (store.PendingChange, error) {
	if f.getPendingChangeFn != nil {
		return f.getPendingChangeFn(ctx, changeID)
	}
	return store.PendingChange{}, sql.ErrNoRows
}
func (f *fakeStore) ResolvePendingChange(ctx context.Context, changeID, status string) (bool, error) {
	if f.resolvePendingChangeFn != nil {
		return f.resolvePendingChangeFn(ctx, changeID, status)
	}
	return true, nil
}
func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error) {
	return 0, 0, 0, nil
}

func newTestService(fs *fakeStore, proposer ai.Proposer) *Service {
	return &Service{
		cfg:         config.Config{},
		store:       fs,
		proposer:    proposer,
		entityLocks: make(map[string]*sync.Mutex),
	}
}

func pendingChangeRow(changeType string, targetID *string, data string) store.PendingChange {
	return store.PendingChange{
		ID:           "chg_1",
		MessageID:    "msg_1",
		PlanID:       "plan_1",
		ChangeType:   changeType,
		TargetID:     targetID,
		ProposedData: json.RawMessage(data),
		Status:       "pending",
	}
}

func TestAcceptChangeAppliesAndResolves(t *testing.T) {
	var inserted *store.Chapter
	var resolvedStatus string
	fs := &fakeStore{
		getPendingChangeFn: func(_ context.Context, changeID string) (store.PendingChange, error) {
			return pendingChangeRow("add_chapter", nil, `{"title": "Market Analysis"}`), nil
		},
		insertChapterFn: func(_ context.Context, item store.Chapter) (store.Chapter, error) {
			inserted = &item
			return item, nil
		},
		resolvePendingChangeFn: func(_ context.Context, changeID, status string) (bool, error) {
			resolvedStatus = status
			return true, nil
		},
	}

	view, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	if err != nil {
		t.Fatalf("AcceptChange failed: %v", err)
	}
	if inserted == nil || inserted.Title != "Market Analysis" {
		t.Errorf("chapter mutation not applied: %+v", inserted)
	}
	if resolvedStatus != "approved" {
		t.Errorf("resolved with status %q, want approved", resolvedStatus)
	}
	if view["status"] != "approved" {
		t.Errorf("view status = %v, want approved", view["status"])
	}
}

func TestAcceptChangeAlreadyResolved(t *testing.T) {
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			row := pendingChangeRow("add_chapter", nil, `{"title": "X"}`)
			// legacy spelling must count as terminal
			row.Status = "accepted"
			return row, nil
		},
		insertChapterFn: func(context.Context, store.Chapter) (store.Chapter, error) {
			t.Fatal("mutation must not run for a terminal change")
			return store.Chapter{}, nil
		},
	}

	_, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	var stale *plan.StaleChangeError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleChangeError, got %v", err)
	}
	if stale.Status != plan.ChangeApproved {
		t.Errorf("stale status = %s, want approved", stale.Status)
	}
}

func TestAcceptChangeInvalidPayloadStaysPending(t *testing.T) {
	resolveCalled := false
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			return pendingChangeRow("add_chapter", nil, `{"title": "   "}`), nil
		},
		resolvePendingChangeFn: func(context.Context, string, string) (bool, error) {
			resolveCalled = true
			return true, nil
		},
	}

	_, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	var validationErr *plan.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if resolveCalled {
		t.Error("invalid payload must not transition the change")
	}
}

func TestAcceptChangeTargetDeletedStaysPending(t *testing.T) {
	resolveCalled := false
	target := "task_gone"
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			return pendingChangeRow("update_task", &target, `{"status": "done"}`), nil
		},
		getTaskFn: func(context.Context, string) (store.Task, error) {
			return store.Task{}, sql.ErrNoRows
		},
		resolvePendingChangeFn: func(context.Context, string, string) (bool, error) {
			resolveCalled = true
			return true, nil
		},
	}

	_, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	var notFound *plan.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if resolveCalled {
		t.Error("a failed mutation must leave the change pending")
	}
}

func TestAcceptChangeTransitionLost(t *testing.T) {
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			return pendingChangeRow("add_chapter", nil, `{"title": "X"}`), nil
		},
		resolvePendingChangeFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}

	_, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	var stale *plan.StaleChangeError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleChangeError when transition is lost, got %v", err)
	}
}

func TestAcceptChangeWrongPlan(t *testing.T) {
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			row := pendingChangeRow("add_chapter", nil, `{"title": "X"}`)
			row.PlanID = "plan_other"
			return row, nil
		},
	}

	_, err := newTestService(fs, nil).AcceptChange(context.Background(), "plan_1", "chg_1")
	var notFound *plan.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for cross-plan access, got %v", err)
	}
}

func TestRejectChangeIsPureTransition(t *testing.T) {
	var resolvedStatus string
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			target := "ch_1"
			return pendingChangeRow("delete_chapter", &target, `{}`), nil
		},
		deleteChapterCascadeFn: func(context.Context, string, []string) error {
			t.Fatal("reject must not mutate the tree")
			return nil
		},
		resolvePendingChangeFn: func(_ context.Context, _ string, status string) (bool, error) {
			resolvedStatus = status
			return true, nil
		},
	}

	view, err := newTestService(fs, nil).RejectChange(context.Background(), "plan_1", "chg_1")
	if err != nil {
		t.Fatalf("RejectChange failed: %v", err)
	}
	if resolvedStatus != "rejected" {
		t.Errorf("resolved with status %q, want rejected", resolvedStatus)
	}
	if view["status"] != "rejected" {
		t.Errorf("view status = %v, want rejected", view["status"])
	}
}

func TestRejectChangeTwice(t *testing.T) {
	fs := &fakeStore{
		getPendingChangeFn: func(context.Context, string) (store.PendingChange, error) {
			row := pendingChangeRow("add_chapter", nil, `{"title": "X"}`)
			row.Status = "rejected"
			return row, nil
		},
	}

	_, err := newTestService(fs, nil).RejectChange(context.Background(), "plan_1", "chg_1")
	var stale *plan.StaleChangeError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleChangeError on second reject, got %v", err)
	}
}

func TestCreateChapterValidatesTitle(t *testing.T) {
	_, err := newTestService(&fakeStore{}, nil).CreateChapter(context.Background(), "plan_1", CreateChapterInput{Title: "   "})
	var validationErr *plan.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdateSectionTypeImmutable(t *testing.T) {
	fs := &fakeStore{
		getSectionFn: func(context.Context, string) (store.Section, error) {
			return store.Section{ID: "sec_1", ChapterID: "ch_1", Content: json.RawMessage(`{"type": "text", "text": "old"}`)}, nil
		},
		getChapterFn: func(context.Context, string) (store.Chapter, error) {
			return store.Chapter{ID: "ch_1", PlanID: "plan_1"}, nil
		},
	}

	_, err := newTestService(fs, nil).UpdateSection(context.Background(), "plan_1", "sec_1", json.RawMessage(`{"type": "list", "items": ["a"]}`))
	var validationErr *plan.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for kind switch, got %v", err)
	}
	if !strings.Contains(validationErr.Message, "immutable") {
		t.Errorf("unexpected message: %q", validationErr.Message)
	}
}

func TestDeleteChapterCascades(t *testing.T) {
	var deleted []string
	parent := "ch_root"
	fs := &fakeStore{
		listChaptersFn: func(context.Context, string) ([]store.Chapter, error) {
			return []store.Chapter{
				{ID: "ch_root", PlanID: "plan_1"},
				{ID: "ch_child", PlanID: "plan_1", ParentID: &parent},
			}, nil
		},
		deleteChapterCascadeFn: func(_ context.Context, _ string, ids []string) error {
			deleted = ids
			return nil
		},
	}

	if err := newTestService(fs, nil).DeleteChapter(context.Background(), "plan_1", "ch_root"); err != nil {
		t.Fatalf("DeleteChapter failed: %v", err)
	}
	if len(deleted) != 2 {
		t.Errorf("expected cascade over 2 chapters, got %v", deleted)
	}
}

type stubProposer struct {
	proposal ai.Proposal
	err      error
}

func (s *stubProposer) ProposeChanges(context.Context, ai.Context) (ai.Proposal, error) {
	return s.proposal, s.err
}

func TestSendChatMessagePersistsAssistantTurn(t *testing.T) {
	var turnMessage store.ChatMessage
	var turnChanges []store.PendingChange
	fs := &fakeStore{
		createAssistantTurnFn: func(_ context.Context, message store.ChatMessage, changes []store.PendingChange) error {
			turnMessage = message
			turnChanges = changes
			return nil
		},
	}
	proposer := &stubProposer{proposal: ai.Proposal{
		MessageContent: "Adding a chapter.",
		Changes: []ai.DraftChange{
			{ChangeType: "add_chapter", ProposedData: json.RawMessage(`{"title": "Risks"}`)},
			{ChangeType: "summon_dragon", ProposedData: json.RawMessage(`{}`)},
		},
	}}

	payload, err := newTestService(fs, proposer).SendChatMessage(context.Background(), "plan_1", "add a risks chapter")
	if err != nil {
		t.Fatalf("SendChatMessage failed: %v", err)
	}
	if turnMessage.Role != "assistant" || turnMessage.Content != "Adding a chapter." {
		t.Errorf("unexpected assistant message: %+v", turnMessage)
	}
	if len(turnChanges) != 1 {
		t.Fatalf("expected unknown change type to be dropped, got %d changes", len(turnChanges))
	}
	if turnChanges[0].Status != "" && turnChanges[0].Status != "pending" {
		t.Errorf("new change must start pending, got %q", turnChanges[0].Status)
	}
	changes, ok := payload["changes"].([]map[string]any)
	if !ok || len(changes) != 1 {
		t.Fatalf("unexpected changes payload: %+v", payload["changes"])
	}
	if changes[0]["status"] != "pending" {
		t.Errorf("change view status = %v, want pending", changes[0]["status"])
	}
}

func TestSendChatMessageRequiresText(t *testing.T) {
	_, err := newTestService(&fakeStore{}, &stubProposer{}).SendChatMessage(context.Background(), "plan_1", "   ")
	var validationErr *plan.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSendChatMessageWithoutProposer(t *testing.T) {
	_, err := newTestService(&fakeStore{}, nil).SendChatMessage(context.Background(), "plan_1", "hello")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "AI_UNAVAILABLE" {
		t.Fatalf("expected AI_UNAVAILABLE, got %v", err)
	}
}

func TestReorderChaptersRejectsPartialList(t *testing.T) {
	fs := &fakeStore{
		listChaptersFn: func(context.Context, string) ([]store.Chapter, error) {
			return []store.Chapter{
				{ID: "a", PlanID: "plan_1"},
				{ID: "b", PlanID: "plan_1"},
			}, nil
		},
	}

	err := newTestService(fs, nil).ReorderChapters(context.Background(), "plan_1", ReorderChaptersInput{OrderedIDs: []string{"a"}})
	var validationErr *plan.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestWorkspaceIncludesChangeSummaries(t *testing.T) {
	target := "ch_1"
	fs := &fakeStore{
		listChaptersFn: func(context.Context, string) ([]store.Chapter, error) {
			return []store.Chapter{{ID: "ch_1", PlanID: "plan_1", Title: "Summary"}}, nil
		},
		listPendingChangesFn: func(context.Context, string) ([]store.PendingChange, error) {
			return []store.PendingChange{{
				ID:           "chg_1",
				MessageID:    "msg_1",
				PlanID:       "plan_1",
				ChangeType:   "update_chapter",
				TargetID:     &target,
				ProposedData: json.RawMessage(`{"title": "Executive Summary"}`),
				Status:       "pending",
			}}, nil
		},
	}

	payload, err := newTestService(fs, nil).Workspace(context.Background(), "plan_1")
	if err != nil {
		t.Fatalf("Workspace failed: %v", err)
	}
	changes := payload["changes"].([]map[string]any)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0]["targetLabel"] != "Summary" {
		t.Errorf("targetLabel = %v, want Summary", changes[0]["targetLabel"])
	}
	summary, _ := changes[0]["summary"].(string)
	if !strings.Contains(summary, "Executive Summary") {
		t.Errorf("summary missing proposed title: %q", summary)
	}
}

func TestListChangesFilteredQueriesOnce(t *testing.T) {
	fs := &fakeStore{
		listPendingChangesFn: func(context.Context, string) ([]store.PendingChange, error) {
			t.Fatal("plan-wide listing must not run for a filtered request")
			return nil, nil
		},
		listChangesByMessageFn: func(_ context.Context, messageID string) ([]store.PendingChange, error) {
			row := pendingChangeRow("add_chapter", nil, `{"title": "Risks"}`)
			row.MessageID = messageID
			return []store.PendingChange{row}, nil
		},
	}

	payload, err := newTestService(fs, nil).ListChanges(context.Background(), "plan_1", "msg_1", "")
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	items := payload["items"].([]map[string]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 change, got %d", len(items))
	}
	if items[0]["messageId"] != "msg_1" {
		t.Errorf("messageId = %v, want msg_1", items[0]["messageId"])
	}
}

func TestListChangesByTargetScopedToPlan(t *testing.T) {
	target := "ch_1"
	fs := &fakeStore{
		listChangesByTargetFn: func(context.Context, string) ([]store.PendingChange, error) {
			mine := pendingChangeRow("update_chapter", &target, `{"title": "Ours"}`)
			other := pendingChangeRow("update_chapter", &target, `{"title": "Theirs"}`)
			other.ID = "chg_2"
			other.PlanID = "plan_other"
			return []store.PendingChange{mine, other}, nil
		},
	}

	payload, err := newTestService(fs, nil).ListChanges(context.Background(), "plan_1", "", target)
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	items := payload["items"].([]map[string]any)
	if len(items) != 1 || items[0]["id"] != "chg_1" {
		t.Fatalf("expected only this plan's change, got %+v", items)
	}
}
