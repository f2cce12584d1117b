package app

import (
	"context"

	"planloom/api/internal/plan"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

type CreateTaskInput struct {
	Title          string  `json:"title"`
	HierarchyLevel string  `json:"hierarchyLevel"`
	ParentTaskID   *string `json:"parentTaskId"`
}

func (s *Service) CreateTask(ctx context.Context, planID string, input CreateTaskInput) (map[string]any, error) {
	title, err := plan.ValidateTitle(input.Title)
	if err != nil {
		return nil, err
	}
	level := plan.HierarchyLevel(input.HierarchyLevel)
	if level == "" {
		level = plan.LevelH1
	}
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return nil, storeErr("get plan", err, "plan", planID)
	}
	existing, err := s.loadTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := plan.ValidateNewTask(existing, level, input.ParentTaskID); err != nil {
		return nil, err
	}

	inserted, err := s.store.InsertTask(ctx, store.Task{
		ID:             util.NewID("task"),
		PlanID:         planID,
		Title:          title,
		Status:         string(plan.TaskTodo),
		HierarchyLevel: string(level),
		ParentTaskID:   input.ParentTaskID,
	})
	if err != nil {
		return nil, plan.Transient("insert task", err)
	}
	s.reindex(ctx, planID)
	return taskView(toPlanTask(inserted)), nil
}

type UpdateTaskInput struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

// UpdateTask applies a partial patch: omitted fields are unchanged.
func (s *Service) UpdateTask(ctx context.Context, planID, taskID string, input UpdateTaskInput) (map[string]any, error) {
	patch := plan.TaskPatch{Title: input.Title}
	if input.Status != nil {
		status := plan.TaskStatus(*input.Status)
		patch.Status = &status
	}
	if patch.Empty() {
		return nil, plan.Validationf("update requires at least one of title, status")
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lockEntity(taskID)
	defer unlock()

	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeErr("get task", err, "task", taskID)
	}
	if current.PlanID != planID {
		return nil, plan.NotFound("task", taskID)
	}

	var statusPtr *string
	if patch.Status != nil {
		value := string(*patch.Status)
		statusPtr = &value
	}
	updated, err := s.store.UpdateTask(ctx, taskID, patch.Title, statusPtr)
	if err != nil {
		return nil, storeErr("update task", err, "task", taskID)
	}
	s.reindex(ctx, planID)
	return taskView(toPlanTask(updated)), nil
}

// DeleteTask removes a task; deleting an h1 cascades to its h2 children as
// one logical operation.
func (s *Service) DeleteTask(ctx context.Context, planID, taskID string) error {
	unlock := s.lockEntity(taskID)
	defer unlock()

	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return storeErr("get task", err, "task", taskID)
	}
	if current.PlanID != planID {
		return plan.NotFound("task", taskID)
	}
	if err := s.store.DeleteTaskCascade(ctx, planID, taskID); err != nil {
		return storeErr("delete task", err, "task", taskID)
	}
	s.reindex(ctx, planID)
	return nil
}
