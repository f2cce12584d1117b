package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"planloom/api/internal/ai"
	"planloom/api/internal/config"
	"planloom/api/internal/plan"
	"planloom/api/internal/search"
	"planloom/api/internal/session"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

type dataStore interface {
	Ping(ctx context.Context) error

	ListPlans(ctx context.Context) ([]store.Plan, error)
	GetPlan(ctx context.Context, planID string) (store.Plan, error)
	InsertPlan(ctx context.Context, item store.Plan) error

	ListChapters(ctx context.Context, planID string) ([]store.Chapter, error)
	GetChapter(ctx context.Context, chapterID string) (store.Chapter, error)
	InsertChapter(ctx context.Context, item store.Chapter) (store.Chapter, error)
	UpdateChapterTitle(ctx context.Context, chapterID, title string) (store.Chapter, error)
	DeleteChapterCascade(ctx context.Context, planID string, chapterIDs []string) error
	ReorderChapters(ctx context.Context, planID string, parentID *string, orderedIDs []string) error

	ListSections(ctx context.Context, planID string) ([]store.Section, error)
	GetSection(ctx context.Context, sectionID string) (store.Section, error)
	InsertSection(ctx context.Context, item store.Section) (store.Section, error)
	UpdateSectionContent(ctx context.Context, sectionID string, content json.RawMessage) (store.Section, error)
	DeleteSection(ctx context.Context, sectionID string) error
	ReorderSections(ctx context.Context, chapterID string, orderedIDs []string) error

	ListTasks(ctx context.Context, planID string) ([]store.Task, error)
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	InsertTask(ctx context.Context, item store.Task) (store.Task, error)
	UpdateTask(ctx context.Context, taskID string, title, status *string) (store.Task, error)
	DeleteTaskCascade(ctx context.Context, planID, taskID string) error

	ListChatMessages(ctx context.Context, planID string) ([]store.ChatMessage, error)
	InsertChatMessage(ctx context.Context, item store.ChatMessage) error
	CreateAssistantTurn(ctx context.Context, message store.ChatMessage, changes []store.PendingChange) error

	ListPendingChanges(ctx context.Context, planID string) ([]store.PendingChange, error)
	ListChangesByMessage(ctx context.Context, messageID string) ([]store.PendingChange, error)
	ListChangesByTarget(ctx context.Context, targetID string) ([]store.PendingChange, error)
	GetPendingChange(ctx context.Context, changeID string) (store.PendingChange, error)
	ResolvePendingChange(ctx context.Context, changeID, status string) (bool, error)

	SummaryCounts(ctx context.Context) (int, int, int, error)
}

type sessionRegistry interface {
	Open(ctx context.Context, planID string) (session.Record, error)
	Get(ctx context.Context, sessionID string) (session.Record, error)
	End(ctx context.Context, sessionID string) error
}

type searchIndex interface {
	IndexWorkspace(ctx context.Context, planID string, docs []search.Document) error
	Search(ctx context.Context, query string, limit int) ([]search.Hit, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	proposer ai.Proposer
	sessions sessionRegistry
	search   searchIndex

	// write serialization per entity id: a slow delete must not land after
	// a later update of the same entity
	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore, proposer ai.Proposer, sessions *session.Store, searchService *search.Service) *Service {
	service := &Service{
		cfg:         cfg,
		store:       dataStore,
		proposer:    proposer,
		entityLocks: make(map[string]*sync.Mutex),
	}
	if sessions != nil {
		service.sessions = sessions
	}
	if searchService != nil {
		service.search = searchService
	}
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// lockEntity serializes writes per entity id. Locks are tiny and scoped to
// the ids touched in one process lifetime, so they are never evicted.
func (s *Service) lockEntity(id string) func() {
	s.lockMu.Lock()
	lock, ok := s.entityLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.entityLocks[id] = lock
	}
	s.lockMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Conversions between store rows and domain types

func toPlanChapter(item store.Chapter) plan.Chapter {
	return plan.Chapter{
		ID:        item.ID,
		PlanID:    item.PlanID,
		ParentID:  item.ParentID,
		Title:     item.Title,
		Order:     item.SortOrder,
		UpdatedAt: item.UpdatedAt,
	}
}

func toPlanSection(item store.Section) (plan.Section, error) {
	content, err := plan.ParseContent(item.Content)
	if err != nil {
		return plan.Section{}, err
	}
	return plan.Section{
		ID:        item.ID,
		ChapterID: item.ChapterID,
		Order:     item.SortOrder,
		Content:   content,
		UpdatedAt: item.UpdatedAt,
	}, nil
}

func toPlanTask(item store.Task) plan.Task {
	return plan.Task{
		ID:             item.ID,
		PlanID:         item.PlanID,
		Title:          item.Title,
		Status:         plan.TaskStatus(item.Status),
		HierarchyLevel: plan.HierarchyLevel(item.HierarchyLevel),
		ParentTaskID:   item.ParentTaskID,
		Order:          item.SortOrder,
		UpdatedAt:      item.UpdatedAt,
	}
}

func toPlanChange(item store.PendingChange) plan.PendingChange {
	return plan.PendingChange{
		ID:           item.ID,
		MessageID:    item.MessageID,
		Type:         plan.ChangeType(item.ChangeType),
		TargetID:     item.TargetID,
		ProposedData: item.ProposedData,
		Status:       plan.NormalizeChangeStatus(item.Status),
		CreatedAt:    item.CreatedAt,
		ResolvedAt:   item.ResolvedAt,
	}
}

func toPlanMessage(item store.ChatMessage) plan.ChatMessage {
	return plan.ChatMessage{
		ID:        item.ID,
		PlanID:    item.PlanID,
		Role:      plan.MessageRole(item.Role),
		Content:   item.Content,
		CreatedAt: item.CreatedAt,
	}
}

// loadForest rebuilds the chapter forest for a plan from flat store rows.
func (s *Service) loadForest(ctx context.Context, planID string) ([]*plan.Chapter, error) {
	chapterRows, err := s.store.ListChapters(ctx, planID)
	if err != nil {
		return nil, storeErr("list chapters", err, "plan", planID)
	}
	sectionRows, err := s.store.ListSections(ctx, planID)
	if err != nil {
		return nil, storeErr("list sections", err, "plan", planID)
	}

	chapters := make([]plan.Chapter, 0, len(chapterRows))
	for _, row := range chapterRows {
		chapters = append(chapters, toPlanChapter(row))
	}
	sections := make([]plan.Section, 0, len(sectionRows))
	for _, row := range sectionRows {
		section, err := toPlanSection(row)
		if err != nil {
			// stored content predates validation; keep the tree usable
			log.Printf("plan %s: skipping unreadable section %s: %v", planID, row.ID, err)
			continue
		}
		sections = append(sections, section)
	}
	return plan.BuildChapterForest(chapters, sections)
}

func (s *Service) loadTasks(ctx context.Context, planID string) ([]plan.Task, error) {
	rows, err := s.store.ListTasks(ctx, planID)
	if err != nil {
		return nil, storeErr("list tasks", err, "plan", planID)
	}
	tasks := make([]plan.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, toPlanTask(row))
	}
	return tasks, nil
}

// targetLookup builds the label resolver used by change summaries. Targets
// deleted since the proposal degrade to the raw id.
func (s *Service) targetLookup(ctx context.Context, planID string) plan.TargetLookup {
	labels := map[string]string{}
	if chapters, err := s.store.ListChapters(ctx, planID); err == nil {
		for _, chapter := range chapters {
			labels[chapter.ID] = chapter.Title
		}
	}
	if tasks, err := s.store.ListTasks(ctx, planID); err == nil {
		for _, task := range tasks {
			labels[task.ID] = task.Title
		}
	}
	return func(id string) (string, bool) {
		label, ok := labels[id]
		return label, ok
	}
}

// Views. Handlers render these maps directly.

func chapterView(chapter *plan.Chapter) map[string]any {
	sections := make([]map[string]any, 0, len(chapter.Sections))
	for i := range chapter.Sections {
		sections = append(sections, sectionView(chapter.Sections[i]))
	}
	children := make([]map[string]any, 0, len(chapter.Children))
	for _, child := range chapter.Children {
		children = append(children, chapterView(child))
	}
	var parentID any
	if chapter.ParentID != nil {
		parentID = *chapter.ParentID
	}
	return map[string]any{
		"id":       chapter.ID,
		"title":    chapter.Title,
		"order":    chapter.Order,
		"parentId": parentID,
		"sections": sections,
		"children": children,
	}
}

func sectionView(section plan.Section) map[string]any {
	content, err := plan.MarshalContent(section.Content)
	if err != nil {
		content = json.RawMessage(`{}`)
	}
	return map[string]any{
		"id":        section.ID,
		"chapterId": section.ChapterID,
		"order":     section.Order,
		"content":   content,
	}
}

func taskView(task plan.Task) map[string]any {
	var parentID any
	if task.ParentTaskID != nil {
		parentID = *task.ParentTaskID
	}
	return map[string]any{
		"id":             task.ID,
		"title":          task.Title,
		"status":         string(task.Status),
		"hierarchyLevel": string(task.HierarchyLevel),
		"parentTaskId":   parentID,
		"order":          task.Order,
	}
}

func taskNodeView(node plan.TaskNode) map[string]any {
	children := make([]map[string]any, 0, len(node.Children))
	for _, child := range node.Children {
		children = append(children, taskView(child))
	}
	view := taskView(node.Task)
	view["children"] = children
	return view
}

func messageView(message plan.ChatMessage) map[string]any {
	return map[string]any{
		"id":        message.ID,
		"role":      string(message.Role),
		"content":   message.Content,
		"createdAt": message.CreatedAt,
	}
}

func changeView(change plan.PendingChange, lookup plan.TargetLookup) map[string]any {
	var targetID any
	if change.TargetID != nil {
		targetID = *change.TargetID
	}
	var targetLabel any
	if change.TargetID != nil && lookup != nil {
		if label, ok := lookup(*change.TargetID); ok {
			targetLabel = label
		}
	}
	return map[string]any{
		"id":           change.ID,
		"messageId":    change.MessageID,
		"changeType":   string(change.Type),
		"targetId":     targetID,
		"targetLabel":  targetLabel,
		"proposedData": change.ProposedData,
		"status":       string(change.Status),
		"summary":      plan.Summarize(change, lookup),
		"createdAt":    change.CreatedAt,
	}
}

// Plans

func (s *Service) ListPlans(ctx context.Context) (map[string]any, error) {
	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, storeErr("list plans", err, "plans", "")
	}
	items := make([]map[string]any, 0, len(plans))
	for _, item := range plans {
		items = append(items, map[string]any{
			"id":        item.ID,
			"name":      item.Name,
			"updatedAt": item.UpdatedAt,
		})
	}
	planCount, pendingCount, chapterCount, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, storeErr("summary counts", err, "plans", "")
	}
	return map[string]any{
		"items": items,
		"summary": map[string]any{
			"plans":          planCount,
			"pendingChanges": pendingCount,
			"chapters":       chapterCount,
		},
	}, nil
}

func (s *Service) CreatePlan(ctx context.Context, name string) (map[string]any, error) {
	trimmed, err := plan.ValidateTitle(name)
	if err != nil {
		return nil, err
	}
	item := store.Plan{ID: util.NewID("plan"), Name: trimmed}
	if err := s.store.InsertPlan(ctx, item); err != nil {
		return nil, plan.Transient("insert plan", err)
	}
	return map[string]any{"id": item.ID, "name": item.Name}, nil
}

// Workspace projects the plan's entire working state: chapter forest, task
// tree, conversation log and pending changes with summaries.
func (s *Service) Workspace(ctx context.Context, planID string) (map[string]any, error) {
	planRow, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}

	forest, err := s.loadForest(ctx, planID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	messageRows, err := s.store.ListChatMessages(ctx, planID)
	if err != nil {
		return nil, storeErr("list chat messages", err, "plan", planID)
	}
	changeRows, err := s.store.ListPendingChanges(ctx, planID)
	if err != nil {
		return nil, storeErr("list pending changes", err, "plan", planID)
	}

	lookup := s.targetLookup(ctx, planID)

	chapterViews := make([]map[string]any, 0, len(forest))
	for _, chapter := range forest {
		chapterViews = append(chapterViews, chapterView(chapter))
	}
	taskViews := make([]map[string]any, 0)
	for _, node := range plan.BuildTaskTree(tasks) {
		taskViews = append(taskViews, taskNodeView(node))
	}
	messageViews := make([]map[string]any, 0, len(messageRows))
	for _, row := range messageRows {
		messageViews = append(messageViews, messageView(toPlanMessage(row)))
	}
	changeViews := make([]map[string]any, 0, len(changeRows))
	for _, row := range changeRows {
		changeViews = append(changeViews, changeView(toPlanChange(row), lookup))
	}

	return map[string]any{
		"plan": map[string]any{
			"id":        planRow.ID,
			"name":      planRow.Name,
			"updatedAt": planRow.UpdatedAt,
		},
		"chapters": chapterViews,
		"tasks":    taskViews,
		"messages": messageViews,
		"changes":  changeViews,
	}, nil
}

// Editing sessions

func (s *Service) OpenSession(ctx context.Context, planID string) (map[string]any, error) {
	if s.sessions == nil {
		return nil, domainError(503, "SESSION_UNAVAILABLE", "Session registry not configured", nil)
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}
	record, err := s.sessions.Open(ctx, planID)
	if err != nil {
		return nil, plan.Transient("open session", err)
	}
	return map[string]any{
		"sessionId": record.ID,
		"planId":    record.PlanID,
		"openedAt":  record.OpenedAt,
	}, nil
}

func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	if s.sessions == nil {
		return domainError(503, "SESSION_UNAVAILABLE", "Session registry not configured", nil)
	}
	if err := s.sessions.End(ctx, sessionID); err != nil {
		return plan.Transient("end session", err)
	}
	return nil
}

// checkSession rejects mutations issued under a session that has since been
// closed or expired. A component whose session is gone must not land a stale
// write. The header is optional; requests without one are accepted.
func (s *Service) checkSession(ctx context.Context, sessionID, planID string) error {
	if sessionID == "" || s.sessions == nil {
		return nil
	}
	record, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return domainError(409, "SESSION_CLOSED", "Editing session is no longer active", nil)
		}
		return plan.Transient("check session", err)
	}
	if record.PlanID != planID {
		return domainError(409, "SESSION_CLOSED", "Editing session belongs to another plan", nil)
	}
	return nil
}

// Search

func (s *Service) Search(ctx context.Context, query string, limit int) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"items": []any{}}, nil
	}
	hits, err := s.search.Search(ctx, query, limit)
	if err != nil {
		return nil, plan.Transient("search", err)
	}
	items := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		items = append(items, map[string]any{
			"id":     hit.ID,
			"planId": hit.PlanID,
			"kind":   hit.Kind,
			"title":  hit.Title,
			"body":   hit.Body,
		})
	}
	return map[string]any{"items": items}, nil
}

// reindex pushes the plan's current text into the search index. Best-effort:
// a search outage never fails the mutation that triggered it.
func (s *Service) reindex(ctx context.Context, planID string) {
	if s.search == nil {
		return
	}
	docs, err := s.collectSearchDocs(ctx, planID)
	if err != nil {
		log.Printf("search reindex %s: %v", planID, err)
		return
	}
	if err := s.search.IndexWorkspace(ctx, planID, docs); err != nil {
		log.Printf("search reindex %s: %v", planID, err)
	}
}

func (s *Service) collectSearchDocs(ctx context.Context, planID string) ([]search.Document, error) {
	chapters, err := s.store.ListChapters(ctx, planID)
	if err != nil {
		return nil, err
	}
	sections, err := s.store.ListSections(ctx, planID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}

	docs := make([]search.Document, 0, len(chapters)+len(sections)+len(tasks))
	for _, chapter := range chapters {
		docs = append(docs, search.Document{
			ID:     chapter.ID,
			PlanID: planID,
			Kind:   "chapter",
			Title:  chapter.Title,
		})
	}
	for _, row := range sections {
		section, err := toPlanSection(row)
		if err != nil {
			continue
		}
		if body, ok := search.ContentText(section.Content); ok {
			docs = append(docs, search.Document{
				ID:     section.ID,
				PlanID: planID,
				Kind:   "section",
				Body:   body,
			})
		}
	}
	for _, task := range tasks {
		docs = append(docs, search.Document{
			ID:     task.ID,
			PlanID: planID,
			Kind:   "task",
			Title:  task.Title,
		})
	}
	return docs, nil
}
