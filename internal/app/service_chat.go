package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"planloom/api/internal/ai"
	"planloom/api/internal/plan"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

// SendChatMessage appends the user's message, asks the proposer for an
// assistant reply plus drafted changes, and persists the assistant turn with
// its pending changes atomically. Nothing is applied to the trees here:
// drafts exist purely as proposals until accepted.
func (s *Service) SendChatMessage(ctx context.Context, planID, text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, plan.Validationf("message text is required")
	}
	if s.proposer == nil {
		return nil, domainError(503, "AI_UNAVAILABLE", "Change proposer not configured", nil)
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}

	userMessage := store.ChatMessage{
		ID:      util.NewID("msg"),
		PlanID:  planID,
		Role:    string(plan.RoleUser),
		Content: trimmed,
	}
	if err := s.store.InsertChatMessage(ctx, userMessage); err != nil {
		return nil, plan.Transient("insert chat message", err)
	}

	conversation, err := s.buildConversationContext(ctx, planID)
	if err != nil {
		return nil, err
	}
	proposal, err := s.proposer.ProposeChanges(ctx, conversation)
	if err != nil {
		return nil, plan.Transient("propose changes", err)
	}

	assistantMessage := store.ChatMessage{
		ID:      util.NewID("msg"),
		PlanID:  planID,
		Role:    string(plan.RoleAssistant),
		Content: proposal.MessageContent,
	}
	changes := make([]store.PendingChange, 0, len(proposal.Changes))
	for _, draft := range proposal.Changes {
		if !plan.ValidChangeType(plan.ChangeType(draft.ChangeType)) {
			log.Printf("plan %s: dropping draft with unknown change type %q", planID, draft.ChangeType)
			continue
		}
		changes = append(changes, store.PendingChange{
			ID:           util.NewID("chg"),
			MessageID:    assistantMessage.ID,
			PlanID:       planID,
			ChangeType:   draft.ChangeType,
			TargetID:     draft.TargetID,
			ProposedData: draft.ProposedData,
		})
	}
	if err := s.store.CreateAssistantTurn(ctx, assistantMessage, changes); err != nil {
		return nil, plan.Transient("create assistant turn", err)
	}

	lookup := s.targetLookup(ctx, planID)
	changeViews := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		changeViews = append(changeViews, changeView(toPlanChange(change), lookup))
	}
	return map[string]any{
		"userMessage":      messageView(toPlanMessage(userMessage)),
		"assistantMessage": messageView(toPlanMessage(assistantMessage)),
		"changes":          changeViews,
	}, nil
}

func (s *Service) ListChatMessages(ctx context.Context, planID string) (map[string]any, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}
	rows, err := s.store.ListChatMessages(ctx, planID)
	if err != nil {
		return nil, storeErr("list chat messages", err, "plan", planID)
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, messageView(toPlanMessage(row)))
	}
	return map[string]any{"items": items}, nil
}

// buildConversationContext flattens the transcript plus a compact outline of
// both trees so the proposer can target existing entities by id.
func (s *Service) buildConversationContext(ctx context.Context, planID string) (ai.Context, error) {
	rows, err := s.store.ListChatMessages(ctx, planID)
	if err != nil {
		return ai.Context{}, storeErr("list chat messages", err, "plan", planID)
	}
	messages := make([]ai.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, ai.Message{Role: row.Role, Content: row.Content})
	}

	var outline strings.Builder
	forest, err := s.loadForest(ctx, planID)
	if err != nil {
		return ai.Context{}, err
	}
	var walk func(chapters []*plan.Chapter, depth int)
	walk = func(chapters []*plan.Chapter, depth int) {
		for _, chapter := range chapters {
			fmt.Fprintf(&outline, "%s- %s (id=%s, %d sections)\n", strings.Repeat("  ", depth), chapter.Title, chapter.ID, len(chapter.Sections))
			walk(chapter.Children, depth+1)
		}
	}
	walk(forest, 0)

	var taskList strings.Builder
	tasks, err := s.loadTasks(ctx, planID)
	if err != nil {
		return ai.Context{}, err
	}
	for _, node := range plan.BuildTaskTree(tasks) {
		fmt.Fprintf(&taskList, "- [%s] %s (id=%s)\n", node.Status, node.Title, node.ID)
		for _, child := range node.Children {
			fmt.Fprintf(&taskList, "  - [%s] %s (id=%s)\n", child.Status, child.Title, child.ID)
		}
	}

	return ai.Context{
		Messages: messages,
		Outline:  outline.String(),
		TaskList: taskList.String(),
	}, nil
}
