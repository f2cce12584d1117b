package app

import (
	"context"
	"log"

	"planloom/api/internal/plan"
	"planloom/api/internal/store"
)

// The change proposal state machine. pending is the only non-terminal
// state; approved and rejected are immutable. Accept applies the proposal
// through the exact direct-edit operations, then transitions the record;
// reject is a pure transition.

func (s *Service) ListChanges(ctx context.Context, planID, messageID, targetID string) (map[string]any, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}

	var rows []store.PendingChange
	var err error
	switch {
	case messageID != "":
		rows, err = s.store.ListChangesByMessage(ctx, messageID)
	case targetID != "":
		rows, err = s.store.ListChangesByTarget(ctx, targetID)
	default:
		rows, err = s.store.ListPendingChanges(ctx, planID)
	}
	if err != nil {
		return nil, storeErr("list pending changes", err, "plan", planID)
	}

	lookup := s.targetLookup(ctx, planID)
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.PlanID != planID {
			continue
		}
		items = append(items, changeView(toPlanChange(row), lookup))
	}
	return map[string]any{"items": items}, nil
}

// AcceptChange validates the proposed payload, applies it through the same
// mutation path direct edits use, and only then transitions the change to
// approved. A failed validation or mutation leaves the change pending.
func (s *Service) AcceptChange(ctx context.Context, planID, changeID string) (map[string]any, error) {
	unlock := s.lockEntity("change:" + changeID)
	defer unlock()

	change, err := s.loadChange(ctx, planID, changeID)
	if err != nil {
		return nil, err
	}
	if change.Status.Terminal() {
		return nil, &plan.StaleChangeError{ChangeID: changeID, Status: change.Status}
	}

	op, err := plan.ParseChangeOp(change.Type, change.TargetID, change.ProposedData)
	if err != nil {
		return nil, err
	}
	if err := s.applyChangeOp(ctx, planID, change, op); err != nil {
		return nil, err
	}

	changed, err := s.store.ResolvePendingChange(ctx, changeID, string(plan.ChangeApproved))
	if err != nil {
		return nil, plan.Transient("resolve change", err)
	}
	if !changed {
		// the mutation landed but another resolution won the transition;
		// surface the conflict instead of silently succeeding
		log.Printf("change %s: mutation applied but transition lost", changeID)
		return nil, &plan.StaleChangeError{ChangeID: changeID, Status: change.Status}
	}

	change.Status = plan.ChangeApproved
	return changeView(change, s.targetLookup(ctx, planID)), nil
}

// RejectChange is a pure state transition: no tree mutation, idempotent-safe
// to retry. A second reject surfaces StaleChangeError with no side effects.
func (s *Service) RejectChange(ctx context.Context, planID, changeID string) (map[string]any, error) {
	unlock := s.lockEntity("change:" + changeID)
	defer unlock()

	change, err := s.loadChange(ctx, planID, changeID)
	if err != nil {
		return nil, err
	}
	if change.Status.Terminal() {
		return nil, &plan.StaleChangeError{ChangeID: changeID, Status: change.Status}
	}

	changed, err := s.store.ResolvePendingChange(ctx, changeID, string(plan.ChangeRejected))
	if err != nil {
		return nil, plan.Transient("resolve change", err)
	}
	if !changed {
		return nil, &plan.StaleChangeError{ChangeID: changeID, Status: change.Status}
	}

	change.Status = plan.ChangeRejected
	return changeView(change, s.targetLookup(ctx, planID)), nil
}

func (s *Service) loadChange(ctx context.Context, planID, changeID string) (plan.PendingChange, error) {
	row, err := s.store.GetPendingChange(ctx, changeID)
	if err != nil {
		return plan.PendingChange{}, storeErr("get pending change", err, "change", changeID)
	}
	if row.PlanID != planID {
		return plan.PendingChange{}, plan.NotFound("change", changeID)
	}
	return toPlanChange(row), nil
}

// applyChangeOp dispatches a parsed change to the direct-edit operations.
// Every case routes through a method reachable from the HTTP surface, so an
// accepted proposal can never do anything direct editing cannot.
func (s *Service) applyChangeOp(ctx context.Context, planID string, change plan.PendingChange, op plan.ChangeOp) error {
	switch op := op.(type) {
	case plan.AddChapterOp:
		_, err := s.CreateChapter(ctx, planID, CreateChapterInput{Title: op.Title, ParentID: op.ParentID})
		return err
	case plan.UpdateChapterOp:
		_, err := s.RenameChapter(ctx, planID, *change.TargetID, op.Title)
		return err
	case plan.DeleteChapterOp:
		return s.DeleteChapter(ctx, planID, *change.TargetID)
	case plan.AddSectionOp:
		raw, err := plan.MarshalContent(op.Content)
		if err != nil {
			return plan.Validationf("content cannot be encoded")
		}
		_, err = s.CreateSection(ctx, planID, op.ChapterID, raw)
		return err
	case plan.UpdateSectionOp:
		raw, err := plan.MarshalContent(op.Content)
		if err != nil {
			return plan.Validationf("content cannot be encoded")
		}
		_, err = s.UpdateSection(ctx, planID, *change.TargetID, raw)
		return err
	case plan.DeleteSectionOp:
		return s.DeleteSection(ctx, planID, *change.TargetID)
	case plan.ReorderChaptersOp:
		return s.ReorderChapters(ctx, planID, ReorderChaptersInput{ParentID: op.ParentID, OrderedIDs: op.OrderedIDs})
	case plan.ReorderSectionsOp:
		return s.ReorderSections(ctx, planID, op.ChapterID, op.OrderedIDs)
	case plan.AddTaskOp:
		_, err := s.CreateTask(ctx, planID, CreateTaskInput{
			Title:          op.Title,
			HierarchyLevel: string(op.HierarchyLevel),
			ParentTaskID:   op.ParentTaskID,
		})
		return err
	case plan.UpdateTaskOp:
		input := UpdateTaskInput{Title: op.Title}
		if op.Status != nil {
			value := string(*op.Status)
			input.Status = &value
		}
		_, err := s.UpdateTask(ctx, planID, *change.TargetID, input)
		return err
	case plan.DeleteTaskOp:
		return s.DeleteTask(ctx, planID, *change.TargetID)
	}
	return plan.Validationf("unknown change type %q", change.Type)
}
