package plan

import "time"

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is immutable once created; the conversation log is strictly
// append-only and ordered by CreatedAt.
type ChatMessage struct {
	ID        string
	PlanID    string
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}
