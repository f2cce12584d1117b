package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultModelName = "gemini-1.5-flash-latest"

const proposerSystemInstruction = "You are a business plan writing assistant. " +
	"You help the user edit their plan's document outline and task list. " +
	"Respond with a single JSON object of the form " +
	`{"message": "...", "changes": [{"changeType": "...", "targetId": "...", "proposedData": {...}}]}. ` +
	"Allowed changeType values: add_chapter, update_chapter, delete_chapter, " +
	"add_section, update_section, delete_section, reorder_chapters, reorder_sections, " +
	"add_task, update_task, delete_task. " +
	"For update_* and delete_* changes, targetId must be an id from the outline or task list; " +
	"omit targetId for other change types. " +
	"Propose changes only when the user asks for edits; otherwise return an empty changes array. " +
	"Return only the JSON object, no markdown fences."

// GeminiProposer asks Gemini for an assistant turn and parses the drafted
// changes out of its JSON reply.
type GeminiProposer struct {
	client *genai.Client
	model  string
}

// NewGeminiProposer creates a proposer backed by the Gemini API.
func NewGeminiProposer(ctx context.Context, apiKey, model string) (*GeminiProposer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultModelName
	}
	return &GeminiProposer{client: client, model: model}, nil
}

// Close releases the underlying client.
func (p *GeminiProposer) Close() error {
	return p.client.Close()
}

func (p *GeminiProposer) ProposeChanges(ctx context.Context, conversation Context) (Proposal, error) {
	model := p.client.GenerativeModel(p.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(proposerSystemInstruction)},
	}
	model.ResponseMIMEType = "application/json"

	history, last, err := buildHistory(conversation)
	if err != nil {
		return Proposal{}, err
	}

	session := model.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return Proposal{}, fmt.Errorf("gemini send message: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Proposal{}, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			log.Printf("ai: ignoring non-text response part %T", part)
		}
	}

	return parseProposal(text.String())
}

// buildHistory converts the conversation into genai content. The workspace
// snapshot is prepended to the final user message so the model always sees
// the current trees, not the trees as of an earlier turn.
func buildHistory(conversation Context) ([]*genai.Content, *genai.Content, error) {
	if len(conversation.Messages) == 0 {
		return nil, nil, fmt.Errorf("conversation is empty")
	}

	contents := make([]*genai.Content, 0, len(conversation.Messages))
	for _, message := range conversation.Messages {
		role := "user"
		if message.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(message.Content)},
		})
	}

	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, fmt.Errorf("last message is not from the user")
	}

	prompt := fmt.Sprintf("Current document outline:\n%s\nCurrent tasks:\n%s\n%s",
		conversation.Outline, conversation.TaskList, partText(last.Parts))
	last = &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(prompt)}}

	return contents[:len(contents)-1], last, nil
}

func partText(parts []genai.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// parseProposal decodes the model's JSON reply, tolerating markdown fences
// the model sometimes adds despite instructions.
func parseProposal(raw string) (Proposal, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var proposal Proposal
	if err := json.Unmarshal([]byte(cleaned), &proposal); err != nil {
		// an unparseable reply still makes a usable chat turn with no drafts
		log.Printf("ai: response is not valid proposal JSON, treating as plain text: %v", err)
		return Proposal{MessageContent: cleaned}, nil
	}
	if strings.TrimSpace(proposal.MessageContent) == "" {
		proposal.MessageContent = "Here are my suggested changes."
	}
	return proposal, nil
}
