package store

import (
	"encoding/json"
	"time"
)

type Plan struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Chapter struct {
	ID        string
	PlanID    string
	ParentID  *string
	Title     string
	SortOrder int
	UpdatedAt time.Time
}

type Section struct {
	ID        string
	ChapterID string
	SortOrder int
	Content   json.RawMessage
	UpdatedAt time.Time
}

type Task struct {
	ID             string
	PlanID         string
	Title          string
	Status         string
	HierarchyLevel string
	ParentTaskID   *string
	SortOrder      int
	UpdatedAt      time.Time
}

type ChatMessage struct {
	ID        string
	PlanID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

type PendingChange struct {
	ID           string
	MessageID    string
	PlanID       string
	ChangeType   string
	TargetID     *string
	ProposedData json.RawMessage
	Status       string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}
