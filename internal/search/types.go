// Package search provides full-text search over plan content. Meilisearch is
// the primary backend; PostgreSQL FTS is the fallback when it is down.
package search

import (
	"strings"

	"planloom/api/internal/plan"
)

// Document is a searchable record derived from a chapter, section or task.
type Document struct {
	ID     string `json:"id"`
	PlanID string `json:"planId"`
	Kind   string `json:"kind"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
}

// Hit is a single search result.
type Hit struct {
	ID     string
	PlanID string
	Kind   string
	Title  string
	Body   string
}

// ContentText extracts the searchable text of a section's content. The second
// return is false for kinds that carry no text (page breaks, spacing, embeds).
func ContentText(content plan.Content) (string, bool) {
	switch c := content.(type) {
	case plan.SectionTitleContent:
		return c.Text, c.Text != ""
	case plan.SubsectionContent:
		return c.Text, c.Text != ""
	case plan.TextContent:
		return c.Text, c.Text != ""
	case plan.ListContent:
		return strings.Join(c.Items, "\n"), len(c.Items) > 0
	case plan.TableContent:
		var b strings.Builder
		b.WriteString(strings.Join(c.Headers, " "))
		for _, row := range c.Rows {
			b.WriteString("\n")
			b.WriteString(strings.Join(row, " "))
		}
		return b.String(), true
	case plan.ImageContent:
		text := strings.TrimSpace(c.Alt + " " + c.Caption)
		return text, text != ""
	case plan.TimelineContent:
		var lines []string
		for _, entry := range c.Entries {
			lines = append(lines, strings.TrimSpace(entry.Title+" "+entry.Description))
		}
		return strings.Join(lines, "\n"), len(lines) > 0
	default:
		return "", false
	}
}
