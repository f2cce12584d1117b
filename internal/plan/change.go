package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ChangeType string

const (
	ChangeAddChapter      ChangeType = "add_chapter"
	ChangeUpdateChapter   ChangeType = "update_chapter"
	ChangeDeleteChapter   ChangeType = "delete_chapter"
	ChangeAddSection      ChangeType = "add_section"
	ChangeUpdateSection   ChangeType = "update_section"
	ChangeDeleteSection   ChangeType = "delete_section"
	ChangeReorderChapters ChangeType = "reorder_chapters"
	ChangeReorderSections ChangeType = "reorder_sections"
	ChangeAddTask         ChangeType = "add_task"
	ChangeUpdateTask      ChangeType = "update_task"
	ChangeDeleteTask      ChangeType = "delete_task"
)

func ValidChangeType(t ChangeType) bool {
	switch t {
	case ChangeAddChapter, ChangeUpdateChapter, ChangeDeleteChapter,
		ChangeAddSection, ChangeUpdateSection, ChangeDeleteSection,
		ChangeReorderChapters, ChangeReorderSections,
		ChangeAddTask, ChangeUpdateTask, ChangeDeleteTask:
		return true
	}
	return false
}

// RequiresTarget reports whether the change type targets an existing entity.
// add_* and reorder_* changes carry their scope inside the payload instead.
func (t ChangeType) RequiresTarget() bool {
	switch t {
	case ChangeUpdateChapter, ChangeDeleteChapter,
		ChangeUpdateSection, ChangeDeleteSection,
		ChangeUpdateTask, ChangeDeleteTask:
		return true
	}
	return false
}

type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// NormalizeChangeStatus maps stored spellings to the canonical set. Legacy
// rows encode approval as "accepted"; both spellings collapse to "approved"
// here, before any transition logic sees them.
func NormalizeChangeStatus(raw string) ChangeStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "approved":
		return ChangeApproved
	case "rejected":
		return ChangeRejected
	default:
		return ChangePending
	}
}

func (s ChangeStatus) Terminal() bool {
	return s == ChangeApproved || s == ChangeRejected
}

// PendingChange is a staged mutation proposal owned by the assistant chat
// message that produced it. It references its target by id only.
type PendingChange struct {
	ID           string
	MessageID    string
	Type         ChangeType
	TargetID     *string
	ProposedData json.RawMessage
	Status       ChangeStatus
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// ChangeOp is the parsed, validated form of a pending change payload.
type ChangeOp interface {
	changeOp()
}

type AddChapterOp struct {
	Title    string  `json:"title"`
	ParentID *string `json:"parentId,omitempty"`
}

type UpdateChapterOp struct {
	Title string `json:"title"`
}

type DeleteChapterOp struct{}

type AddSectionOp struct {
	ChapterID string `json:"chapterId"`
	Content   Content
}

type UpdateSectionOp struct {
	Content Content
}

type DeleteSectionOp struct{}

type ReorderChaptersOp struct {
	ParentID   *string  `json:"parentId,omitempty"`
	OrderedIDs []string `json:"orderedIds"`
}

type ReorderSectionsOp struct {
	ChapterID  string   `json:"chapterId"`
	OrderedIDs []string `json:"orderedIds"`
}

type AddTaskOp struct {
	Title          string         `json:"title"`
	HierarchyLevel HierarchyLevel `json:"hierarchyLevel"`
	ParentTaskID   *string        `json:"parentTaskId,omitempty"`
}

type UpdateTaskOp struct {
	Title  *string     `json:"title,omitempty"`
	Status *TaskStatus `json:"status,omitempty"`
}

type DeleteTaskOp struct{}

func (AddChapterOp) changeOp()      {}
func (UpdateChapterOp) changeOp()   {}
func (DeleteChapterOp) changeOp()   {}
func (AddSectionOp) changeOp()      {}
func (UpdateSectionOp) changeOp()   {}
func (DeleteSectionOp) changeOp()   {}
func (ReorderChaptersOp) changeOp() {}
func (ReorderSectionsOp) changeOp() {}
func (AddTaskOp) changeOp()         {}
func (UpdateTaskOp) changeOp()      {}
func (DeleteTaskOp) changeOp()      {}

// ParseChangeOp validates proposedData against the shape required by the
// change type. Payloads are type-erased until this point; anything malformed
// fails with a ValidationError and the change stays pending.
func ParseChangeOp(changeType ChangeType, targetID *string, raw json.RawMessage) (ChangeOp, error) {
	if changeType.RequiresTarget() && (targetID == nil || strings.TrimSpace(*targetID) == "") {
		return nil, Validationf("%s requires a targetId", changeType)
	}

	decode := func(target any) error {
		if len(raw) == 0 {
			return Validationf("%s requires proposedData", changeType)
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return Validationf("malformed proposedData for %s", changeType)
		}
		return nil
	}

	switch changeType {
	case ChangeAddChapter:
		var op AddChapterOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		title, err := ValidateTitle(op.Title)
		if err != nil {
			return nil, err
		}
		op.Title = title
		return op, nil

	case ChangeUpdateChapter:
		var op UpdateChapterOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		title, err := ValidateTitle(op.Title)
		if err != nil {
			return nil, err
		}
		op.Title = title
		return op, nil

	case ChangeDeleteChapter:
		return DeleteChapterOp{}, nil

	case ChangeAddSection:
		var envelope struct {
			ChapterID string          `json:"chapterId"`
			Content   json.RawMessage `json:"content"`
		}
		if err := decode(&envelope); err != nil {
			return nil, err
		}
		if strings.TrimSpace(envelope.ChapterID) == "" {
			return nil, Validationf("add_section requires chapterId")
		}
		content, err := ParseContent(envelope.Content)
		if err != nil {
			return nil, err
		}
		return AddSectionOp{ChapterID: envelope.ChapterID, Content: content}, nil

	case ChangeUpdateSection:
		var envelope struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decode(&envelope); err != nil {
			return nil, err
		}
		content, err := ParseContent(envelope.Content)
		if err != nil {
			return nil, err
		}
		return UpdateSectionOp{Content: content}, nil

	case ChangeDeleteSection:
		return DeleteSectionOp{}, nil

	case ChangeReorderChapters:
		var op ReorderChaptersOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		if len(op.OrderedIDs) == 0 {
			return nil, Validationf("reorder_chapters requires orderedIds")
		}
		return op, nil

	case ChangeReorderSections:
		var op ReorderSectionsOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		if strings.TrimSpace(op.ChapterID) == "" {
			return nil, Validationf("reorder_sections requires chapterId")
		}
		if len(op.OrderedIDs) == 0 {
			return nil, Validationf("reorder_sections requires orderedIds")
		}
		return op, nil

	case ChangeAddTask:
		var op AddTaskOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		title, err := ValidateTitle(op.Title)
		if err != nil {
			return nil, err
		}
		op.Title = title
		if op.HierarchyLevel == "" {
			op.HierarchyLevel = LevelH1
		}
		if op.HierarchyLevel != LevelH1 && op.HierarchyLevel != LevelH2 {
			return nil, Validationf("hierarchyLevel must be h1 or h2")
		}
		if op.HierarchyLevel == LevelH2 && op.ParentTaskID == nil {
			return nil, Validationf("h2 task requires parentTaskId")
		}
		return op, nil

	case ChangeUpdateTask:
		var op UpdateTaskOp
		if err := decode(&op); err != nil {
			return nil, err
		}
		patch := TaskPatch{Title: op.Title, Status: op.Status}
		if patch.Empty() {
			return nil, Validationf("update_task requires at least one of title, status")
		}
		if err := patch.Validate(); err != nil {
			return nil, err
		}
		return op, nil

	case ChangeDeleteTask:
		return DeleteTaskOp{}, nil
	}

	return nil, Validationf("unknown change type %q", changeType)
}

// TargetLookup resolves a target id to a human-readable label. The target
// may have been deleted since the change was proposed, so lookups are
// optional and callers degrade to the raw id.
type TargetLookup func(id string) (string, bool)

// Summarize renders a deterministic one-line description of a pending
// change. Pure function of the change and the lookup snapshot.
func Summarize(change PendingChange, lookup TargetLookup) string {
	label := func() string {
		if change.TargetID == nil {
			return ""
		}
		if lookup != nil {
			if name, ok := lookup(*change.TargetID); ok {
				return name
			}
		}
		return *change.TargetID
	}

	op, err := ParseChangeOp(change.Type, change.TargetID, change.ProposedData)
	if err != nil {
		return fmt.Sprintf("%s (invalid payload)", change.Type)
	}

	switch op := op.(type) {
	case AddChapterOp:
		return fmt.Sprintf("Add chapter %q", op.Title)
	case UpdateChapterOp:
		return fmt.Sprintf("Rename chapter %q to %q", label(), op.Title)
	case DeleteChapterOp:
		return fmt.Sprintf("Delete chapter %q and its contents", label())
	case AddSectionOp:
		return fmt.Sprintf("Add %s section", op.Content.Type())
	case UpdateSectionOp:
		return fmt.Sprintf("Update %s section %s", op.Content.Type(), label())
	case DeleteSectionOp:
		return fmt.Sprintf("Delete section %s", label())
	case ReorderChaptersOp:
		return fmt.Sprintf("Reorder %d chapters", len(op.OrderedIDs))
	case ReorderSectionsOp:
		return fmt.Sprintf("Reorder %d sections", len(op.OrderedIDs))
	case AddTaskOp:
		return fmt.Sprintf("Add %s task %q", op.HierarchyLevel, op.Title)
	case UpdateTaskOp:
		parts := make([]string, 0, 2)
		if op.Title != nil {
			parts = append(parts, fmt.Sprintf("title: %s", *op.Title))
		}
		if op.Status != nil {
			parts = append(parts, fmt.Sprintf("status: %s", *op.Status))
		}
		return fmt.Sprintf("Update task %s: %s", label(), strings.Join(parts, " | "))
	case DeleteTaskOp:
		return fmt.Sprintf("Delete task %q", label())
	}
	return string(change.Type)
}
