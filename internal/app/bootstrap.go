package app

import (
	"context"
	"encoding/json"

	"planloom/api/internal/plan"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

// Bootstrap seeds a demo business plan on an empty store so the workspace
// renders something on first boot.
func (s *Service) Bootstrap(ctx context.Context) error {
	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return err
	}
	if len(plans) > 0 {
		return nil
	}

	seedPlan := store.Plan{ID: "plan_demo", Name: "Acme Coffee Roasters Business Plan"}
	if err := s.store.InsertPlan(ctx, seedPlan); err != nil {
		return err
	}

	chapterSeeds := []struct {
		ID    string
		Title string
	}{
		{ID: "ch_summary", Title: "Executive Summary"},
		{ID: "ch_product", Title: "Product and Services"},
		{ID: "ch_financials", Title: "Financial Plan"},
	}
	for _, seed := range chapterSeeds {
		if _, err := s.store.InsertChapter(ctx, store.Chapter{
			ID:     seed.ID,
			PlanID: seedPlan.ID,
			Title:  seed.Title,
		}); err != nil {
			return err
		}
	}

	sectionSeeds := []struct {
		ID        string
		ChapterID string
		Content   plan.Content
	}{
		{ID: "sec_summary_intro", ChapterID: "ch_summary", Content: plan.TextContent{Text: "Acme Coffee Roasters brings specialty roasting to the neighborhood, pairing a retail cafe with a wholesale subscription business."}},
		{ID: "sec_summary_goals", ChapterID: "ch_summary", Content: plan.ListContent{Items: []string{"Open flagship cafe in Q2", "Reach 200 wholesale subscribers", "Break even within 18 months"}}},
		{ID: "sec_product_lineup", ChapterID: "ch_product", Content: plan.TableContent{Headers: []string{"Product", "Channel", "Margin"}, Rows: [][]string{{"Single-origin beans", "Retail + online", "62%"}, {"Espresso blend", "Wholesale", "48%"}}}},
	}
	for _, seed := range sectionSeeds {
		encoded, err := plan.MarshalContent(seed.Content)
		if err != nil {
			return err
		}
		if _, err := s.store.InsertSection(ctx, store.Section{
			ID:        seed.ID,
			ChapterID: seed.ChapterID,
			Content:   encoded,
		}); err != nil {
			return err
		}
	}

	writeDraft, err := s.store.InsertTask(ctx, store.Task{
		ID:             "task_draft",
		PlanID:         seedPlan.ID,
		Title:          "Draft all chapters",
		Status:         string(plan.TaskInProgress),
		HierarchyLevel: string(plan.LevelH1),
	})
	if err != nil {
		return err
	}
	if _, err := s.store.InsertTask(ctx, store.Task{
		ID:             "task_draft_financials",
		PlanID:         seedPlan.ID,
		Title:          "Draft financial projections",
		Status:         string(plan.TaskTodo),
		HierarchyLevel: string(plan.LevelH2),
		ParentTaskID:   &writeDraft.ID,
	}); err != nil {
		return err
	}

	// one assistant turn with staged proposals, mirroring what a real chat
	// round produces
	if err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID:      "msg_seed_user",
		PlanID:  seedPlan.ID,
		Role:    string(plan.RoleUser),
		Content: "Can you flesh out the competitive landscape?",
	}); err != nil {
		return err
	}

	addChapterData, _ := json.Marshal(map[string]any{"title": "Market Analysis"})
	updateTaskData, _ := json.Marshal(map[string]any{"status": "done"})
	assistant := store.ChatMessage{
		ID:      "msg_seed_assistant",
		PlanID:  seedPlan.ID,
		Role:    string(plan.RoleAssistant),
		Content: "I suggest adding a **Market Analysis** chapter covering competitors and positioning, and marking the drafting task done once it lands.",
	}
	changes := []store.PendingChange{
		{
			ID:           util.NewID("chg"),
			MessageID:    assistant.ID,
			PlanID:       seedPlan.ID,
			ChangeType:   string(plan.ChangeAddChapter),
			ProposedData: addChapterData,
		},
		{
			ID:           util.NewID("chg"),
			MessageID:    assistant.ID,
			PlanID:       seedPlan.ID,
			ChangeType:   string(plan.ChangeUpdateTask),
			TargetID:     &writeDraft.ID,
			ProposedData: updateTaskData,
		},
	}
	if err := s.store.CreateAssistantTurn(ctx, assistant, changes); err != nil {
		return err
	}

	s.reindex(ctx, seedPlan.ID)
	return nil
}
