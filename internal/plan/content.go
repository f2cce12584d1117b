package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ContentType string

const (
	ContentSectionTitle    ContentType = "section_title"
	ContentSubsection      ContentType = "subsection"
	ContentText            ContentType = "text"
	ContentList            ContentType = "list"
	ContentTable           ContentType = "table"
	ContentComparisonTable ContentType = "comparison_table"
	ContentImage           ContentType = "image"
	ContentTimeline        ContentType = "timeline"
	ContentEmbed           ContentType = "embed"
	ContentPageBreak       ContentType = "page_break"
	ContentEmptySpace      ContentType = "empty_space"
)

const (
	EmptySpaceMinHeight = 10
	EmptySpaceMaxHeight = 500
)

// Content is the closed union of section content kinds. The concrete type
// is fixed once a section is created; replacing the kind means replacing
// the section.
type Content interface {
	Type() ContentType
	validate() error
}

type SectionTitleContent struct {
	Text string `json:"text"`
}

type SubsectionContent struct {
	Text string `json:"text"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ListContent struct {
	Ordered bool     `json:"ordered"`
	Items   []string `json:"items"`
}

type TableContent struct {
	Comparison bool       `json:"-"`
	Headers    []string   `json:"headers"`
	Rows       [][]string `json:"rows"`
}

type ImageContent struct {
	URL     string `json:"url"`
	Alt     string `json:"alt"`
	Caption string `json:"caption"`
}

type TimelineEntry struct {
	Date        string `json:"date"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type TimelineContent struct {
	Entries []TimelineEntry `json:"entries"`
}

type EmbedContent struct {
	Kind    string `json:"kind"` // html, iframe or video
	Payload string `json:"payload"`
}

type PageBreakContent struct{}

type EmptySpaceContent struct {
	Height int `json:"height"`
}

func (SectionTitleContent) Type() ContentType { return ContentSectionTitle }
func (SubsectionContent) Type() ContentType   { return ContentSubsection }
func (TextContent) Type() ContentType         { return ContentText }
func (ListContent) Type() ContentType         { return ContentList }
func (ImageContent) Type() ContentType        { return ContentImage }
func (TimelineContent) Type() ContentType     { return ContentTimeline }
func (EmbedContent) Type() ContentType        { return ContentEmbed }
func (PageBreakContent) Type() ContentType    { return ContentPageBreak }
func (EmptySpaceContent) Type() ContentType   { return ContentEmptySpace }

func (c TableContent) Type() ContentType {
	if c.Comparison {
		return ContentComparisonTable
	}
	return ContentTable
}

func (c SectionTitleContent) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return Validationf("section_title text is required")
	}
	return nil
}

func (c SubsectionContent) validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return Validationf("subsection text is required")
	}
	return nil
}

func (c TextContent) validate() error { return nil }

func (c ListContent) validate() error {
	if c.Items == nil {
		return Validationf("list items are required")
	}
	return nil
}

func (c TableContent) validate() error {
	if len(c.Headers) == 0 {
		return Validationf("table headers are required")
	}
	return nil
}

func (c ImageContent) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return Validationf("image url is required")
	}
	return nil
}

func (c TimelineContent) validate() error {
	if len(c.Entries) == 0 {
		return Validationf("timeline entries are required")
	}
	return nil
}

func (c EmbedContent) validate() error {
	switch c.Kind {
	case "html", "iframe", "video":
	default:
		return Validationf("embed kind must be html, iframe or video")
	}
	if strings.TrimSpace(c.Payload) == "" {
		return Validationf("embed payload is required")
	}
	return nil
}

func (c PageBreakContent) validate() error { return nil }

func (c EmptySpaceContent) validate() error {
	if c.Height < EmptySpaceMinHeight || c.Height > EmptySpaceMaxHeight {
		return Validationf("empty_space height must be between %d and %d", EmptySpaceMinHeight, EmptySpaceMaxHeight)
	}
	return nil
}

// normalize pads or truncates every row to the header width so the stored
// shape is always rectangular.
func (c *TableContent) normalize() {
	width := len(c.Headers)
	for i, row := range c.Rows {
		switch {
		case len(row) > width:
			c.Rows[i] = row[:width]
		case len(row) < width:
			padded := make([]string, width)
			copy(padded, row)
			c.Rows[i] = padded
		}
	}
	if c.Rows == nil {
		c.Rows = [][]string{}
	}
}

type contentEnvelope struct {
	Type ContentType `json:"type"`
}

// ParseContent decodes a {"type": ..., ...} payload into its concrete
// content kind, validating it. Unknown or malformed payloads fail with a
// ValidationError.
func ParseContent(raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		return nil, Validationf("content is required")
	}
	var envelope contentEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, Validationf("content is not a JSON object")
	}

	decode := func(target any) error {
		if err := json.Unmarshal(raw, target); err != nil {
			return Validationf("malformed %s content", envelope.Type)
		}
		return nil
	}

	var content Content
	switch envelope.Type {
	case ContentSectionTitle:
		var c SectionTitleContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentSubsection:
		var c SubsectionContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentText:
		var c TextContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentList:
		var c ListContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentTable, ContentComparisonTable:
		var c TableContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		c.Comparison = envelope.Type == ContentComparisonTable
		c.normalize()
		content = c
	case ContentImage:
		var c ImageContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentTimeline:
		var c TimelineContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentEmbed:
		var c EmbedContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	case ContentPageBreak:
		content = PageBreakContent{}
	case ContentEmptySpace:
		var c EmptySpaceContent
		if err := decode(&c); err != nil {
			return nil, err
		}
		content = c
	default:
		return nil, Validationf("unknown content type %q", envelope.Type)
	}

	if err := content.validate(); err != nil {
		return nil, err
	}
	return content, nil
}

// MarshalContent re-attaches the type discriminator so the stored payload
// round-trips through ParseContent.
func MarshalContent(content Content) (json.RawMessage, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = string(content.Type())
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return out, nil
}
