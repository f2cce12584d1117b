// Package ai turns chat conversations into assistant replies with drafted
// plan changes. The Proposer never mutates anything itself; its drafts are
// persisted as pending changes and applied only on explicit acceptance.
package ai

import (
	"context"
	"encoding/json"
)

// Message is one turn of the conversation sent to the proposer.
type Message struct {
	Role    string
	Content string
}

// Context carries the transcript plus compact text renderings of both trees
// so the model can target existing entities by id.
type Context struct {
	Messages []Message
	Outline  string
	TaskList string
}

// DraftChange is a change the model proposed. TargetID is nil for additive
// change types.
type DraftChange struct {
	ChangeType   string          `json:"changeType"`
	TargetID     *string         `json:"targetId"`
	ProposedData json.RawMessage `json:"proposedData"`
}

// Proposal is the assistant's reply: a chat message plus zero or more drafts.
type Proposal struct {
	MessageContent string        `json:"message"`
	Changes        []DraftChange `json:"changes"`
}

// Proposer generates an assistant turn for a conversation.
type Proposer interface {
	ProposeChanges(ctx context.Context, conversation Context) (Proposal, error)
}
