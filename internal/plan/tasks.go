package plan

import (
	"sort"
	"time"
)

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

type HierarchyLevel string

const (
	LevelH1 HierarchyLevel = "h1"
	LevelH2 HierarchyLevel = "h2"
)

type Task struct {
	ID             string
	PlanID         string
	Title          string
	Status         TaskStatus
	HierarchyLevel HierarchyLevel
	ParentTaskID   *string
	Order          int

	UpdatedAt time.Time
}

// TaskNode is an h1 task with its ordered h2 children. The tree is exactly
// two levels deep.
type TaskNode struct {
	Task
	Children []Task
}

func ValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}

// ValidateNewTask enforces the h1/h2 parent rules against the current flat
// task set: an h2 must name an existing h1 parent, an h1 must not name one.
func ValidateNewTask(existing []Task, level HierarchyLevel, parentTaskID *string) error {
	switch level {
	case LevelH1:
		if parentTaskID != nil {
			return Validationf("h1 task must not have a parent")
		}
	case LevelH2:
		if parentTaskID == nil {
			return Validationf("h2 task requires parentTaskId")
		}
		for _, task := range existing {
			if task.ID == *parentTaskID {
				if task.HierarchyLevel != LevelH1 {
					return Validationf("parentTaskId %s is not an h1 task", *parentTaskID)
				}
				return nil
			}
		}
		return Validationf("parentTaskId %s does not reference an existing h1 task", *parentTaskID)
	default:
		return Validationf("hierarchyLevel must be h1 or h2")
	}
	return nil
}

// BuildTaskTree groups flat tasks into ordered h1 nodes with ordered h2
// children. An h2 whose parent is missing is kept as a top-level node so it
// stays visible for cleanup.
func BuildTaskTree(tasks []Task) []TaskNode {
	byParent := make(map[string][]Task)
	var roots []Task
	known := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.HierarchyLevel == LevelH1 {
			known[task.ID] = struct{}{}
		}
	}
	for _, task := range tasks {
		if task.HierarchyLevel == LevelH2 && task.ParentTaskID != nil {
			if _, ok := known[*task.ParentTaskID]; ok {
				byParent[*task.ParentTaskID] = append(byParent[*task.ParentTaskID], task)
				continue
			}
		}
		roots = append(roots, task)
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].Order < roots[j].Order })
	nodes := make([]TaskNode, 0, len(roots))
	for _, root := range roots {
		children := byParent[root.ID]
		sort.Slice(children, func(i, j int) bool { return children[i].Order < children[j].Order })
		nodes = append(nodes, TaskNode{Task: root, Children: children})
	}
	return nodes
}

// TaskPatch is a partial update: nil fields are left unchanged.
type TaskPatch struct {
	Title  *string
	Status *TaskStatus
}

func (p TaskPatch) Empty() bool { return p.Title == nil && p.Status == nil }

func (p TaskPatch) Validate() error {
	if p.Title != nil {
		if _, err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Status != nil && !ValidTaskStatus(*p.Status) {
		return Validationf("status must be todo, in_progress or done")
	}
	return nil
}
