package app

import (
	"context"
	"encoding/json"

	"planloom/api/internal/plan"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

// Document tree operations. Accepted AI changes dispatch through these same
// methods, so a proposal can never reach an effect direct editing cannot.

type CreateChapterInput struct {
	Title    string  `json:"title"`
	ParentID *string `json:"parentId"`
}

func (s *Service) CreateChapter(ctx context.Context, planID string, input CreateChapterInput) (map[string]any, error) {
	title, err := plan.ValidateTitle(input.Title)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}
	if input.ParentID != nil {
		parent, err := s.store.GetChapter(ctx, *input.ParentID)
		if err != nil {
			return nil, storeErr("get chapter", err, "chapter", *input.ParentID)
		}
		if parent.PlanID != planID {
			return nil, plan.NotFound("chapter", *input.ParentID)
		}
	}

	inserted, err := s.store.InsertChapter(ctx, store.Chapter{
		ID:       util.NewID("ch"),
		PlanID:   planID,
		ParentID: input.ParentID,
		Title:    title,
	})
	if err != nil {
		return nil, plan.Transient("insert chapter", err)
	}
	s.reindex(ctx, planID)
	chapter := toPlanChapter(inserted)
	return chapterView(&chapter), nil
}

func (s *Service) RenameChapter(ctx context.Context, planID, chapterID, title string) (map[string]any, error) {
	trimmed, err := plan.ValidateTitle(title)
	if err != nil {
		return nil, err
	}
	unlock := s.lockEntity(chapterID)
	defer unlock()

	current, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, storeErr("get chapter", err, "chapter", chapterID)
	}
	if current.PlanID != planID {
		return nil, plan.NotFound("chapter", chapterID)
	}
	updated, err := s.store.UpdateChapterTitle(ctx, chapterID, trimmed)
	if err != nil {
		return nil, storeErr("update chapter", err, "chapter", chapterID)
	}
	s.reindex(ctx, planID)
	chapter := toPlanChapter(updated)
	return chapterView(&chapter), nil
}

// DeleteChapter removes the chapter and, recursively, every descendant
// chapter and their sections as one logical operation.
func (s *Service) DeleteChapter(ctx context.Context, planID, chapterID string) error {
	unlock := s.lockEntity(chapterID)
	defer unlock()

	forest, err := s.loadForest(ctx, planID)
	if err != nil {
		return err
	}
	ids := plan.CollectDescendants(forest, chapterID)
	if len(ids) == 0 {
		return plan.NotFound("chapter", chapterID)
	}
	if err := s.store.DeleteChapterCascade(ctx, planID, ids); err != nil {
		return storeErr("delete chapter", err, "chapter", chapterID)
	}
	s.reindex(ctx, planID)
	return nil
}

type ReorderChaptersInput struct {
	ParentID   *string  `json:"parentId"`
	OrderedIDs []string `json:"orderedIds"`
}

func (s *Service) ReorderChapters(ctx context.Context, planID string, input ReorderChaptersInput) error {
	chapters, err := s.store.ListChapters(ctx, planID)
	if err != nil {
		return storeErr("list chapters", err, "plan", planID)
	}
	currentIDs := make([]string, 0)
	for _, chapter := range chapters {
		if sameParent(chapter.ParentID, input.ParentID) {
			currentIDs = append(currentIDs, chapter.ID)
		}
	}
	if err := plan.ValidateReorder(currentIDs, input.OrderedIDs); err != nil {
		return err
	}
	if err := s.store.ReorderChapters(ctx, planID, input.ParentID, input.OrderedIDs); err != nil {
		if err == store.ErrReorderMismatch {
			return plan.Validationf("reorder does not match current chapter set")
		}
		return plan.Transient("reorder chapters", err)
	}
	return nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Sections

func (s *Service) CreateSection(ctx context.Context, planID, chapterID string, rawContent json.RawMessage) (map[string]any, error) {
	content, err := plan.ParseContent(rawContent)
	if err != nil {
		return nil, err
	}
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, storeErr("get chapter", err, "chapter", chapterID)
	}
	if chapter.PlanID != planID {
		return nil, plan.NotFound("chapter", chapterID)
	}

	encoded, err := plan.MarshalContent(content)
	if err != nil {
		return nil, plan.Validationf("content cannot be encoded")
	}
	inserted, err := s.store.InsertSection(ctx, store.Section{
		ID:        util.NewID("sec"),
		ChapterID: chapterID,
		Content:   encoded,
	})
	if err != nil {
		return nil, plan.Transient("insert section", err)
	}
	s.reindex(ctx, planID)
	section, err := toPlanSection(inserted)
	if err != nil {
		return nil, err
	}
	return sectionView(section), nil
}

// UpdateSection replaces a section's content fields. The content kind is
// immutable: switching kinds means deleting and recreating the section.
func (s *Service) UpdateSection(ctx context.Context, planID, sectionID string, rawContent json.RawMessage) (map[string]any, error) {
	content, err := plan.ParseContent(rawContent)
	if err != nil {
		return nil, err
	}
	unlock := s.lockEntity(sectionID)
	defer unlock()

	current, err := s.getSectionInPlan(ctx, planID, sectionID)
	if err != nil {
		return nil, err
	}
	if current.Content.Type() != content.Type() {
		return nil, plan.Validationf("section content type is immutable: have %s, got %s", current.Content.Type(), content.Type())
	}

	encoded, err := plan.MarshalContent(content)
	if err != nil {
		return nil, plan.Validationf("content cannot be encoded")
	}
	updated, err := s.store.UpdateSectionContent(ctx, sectionID, encoded)
	if err != nil {
		return nil, storeErr("update section", err, "section", sectionID)
	}
	s.reindex(ctx, planID)
	section, err := toPlanSection(updated)
	if err != nil {
		return nil, err
	}
	return sectionView(section), nil
}

func (s *Service) DeleteSection(ctx context.Context, planID, sectionID string) error {
	unlock := s.lockEntity(sectionID)
	defer unlock()

	if _, err := s.getSectionInPlan(ctx, planID, sectionID); err != nil {
		return err
	}
	if err := s.store.DeleteSection(ctx, sectionID); err != nil {
		return storeErr("delete section", err, "section", sectionID)
	}
	s.reindex(ctx, planID)
	return nil
}

func (s *Service) ReorderSections(ctx context.Context, planID, chapterID string, orderedIDs []string) error {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return storeErr("get chapter", err, "chapter", chapterID)
	}
	if chapter.PlanID != planID {
		return plan.NotFound("chapter", chapterID)
	}

	sections, err := s.store.ListSections(ctx, planID)
	if err != nil {
		return storeErr("list sections", err, "plan", planID)
	}
	currentIDs := make([]string, 0)
	for _, section := range sections {
		if section.ChapterID == chapterID {
			currentIDs = append(currentIDs, section.ID)
		}
	}
	if err := plan.ValidateReorder(currentIDs, orderedIDs); err != nil {
		return err
	}
	if err := s.store.ReorderSections(ctx, chapterID, orderedIDs); err != nil {
		if err == store.ErrReorderMismatch {
			return plan.Validationf("reorder does not match current section set")
		}
		return plan.Transient("reorder sections", err)
	}
	return nil
}

func (s *Service) getSectionInPlan(ctx context.Context, planID, sectionID string) (plan.Section, error) {
	row, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return plan.Section{}, storeErr("get section", err, "section", sectionID)
	}
	chapter, err := s.store.GetChapter(ctx, row.ChapterID)
	if err != nil {
		return plan.Section{}, storeErr("get chapter", err, "chapter", row.ChapterID)
	}
	if chapter.PlanID != planID {
		return plan.Section{}, plan.NotFound("section", sectionID)
	}
	return toPlanSection(row)
}
