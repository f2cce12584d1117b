package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MockProposer is a deterministic stand-in used when no API key is
// configured. It drafts an add_chapter change from the user's message so the
// full review flow stays exercisable in local development.
type MockProposer struct{}

func NewMockProposer() *MockProposer {
	return &MockProposer{}
}

func (p *MockProposer) ProposeChanges(ctx context.Context, conversation Context) (Proposal, error) {
	if len(conversation.Messages) == 0 {
		return Proposal{}, fmt.Errorf("conversation is empty")
	}
	last := conversation.Messages[len(conversation.Messages)-1]

	title := chapterTitle(last.Content)
	data, err := json.Marshal(map[string]any{"title": title})
	if err != nil {
		return Proposal{}, err
	}

	return Proposal{
		MessageContent: fmt.Sprintf("I suggest adding a chapter called **%s** to cover that. Review the change below.", title),
		Changes: []DraftChange{
			{ChangeType: "add_chapter", ProposedData: data},
		},
	}, nil
}

// chapterTitle derives a short title from the message, capped at six words.
func chapterTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	title = strings.Trim(title, ".,!?")
	if title == "" {
		return "New Chapter"
	}
	first, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(first)) + title[size:]
}
