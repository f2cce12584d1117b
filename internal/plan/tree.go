package plan

import (
	"sort"
	"strings"
	"time"
)

type Chapter struct {
	ID       string
	PlanID   string
	ParentID *string
	Title    string
	Order    int
	Sections []Section
	Children []*Chapter

	UpdatedAt time.Time
}

type Section struct {
	ID        string
	ChapterID string
	Order     int
	Content   Content

	UpdatedAt time.Time
}

// ValidateTitle enforces the non-empty-after-trim rule shared by chapters
// and tasks. Returns the trimmed title.
func ValidateTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", Validationf("title is required")
	}
	return trimmed, nil
}

// BuildChapterForest reconstructs the nested chapter forest from flat rows,
// attaching sections and ordering every sibling and section list. Rows whose
// parent id does not resolve are treated as top-level rather than dropped; a
// parent cycle fails with a ValidationError since it can never render.
func BuildChapterForest(chapters []Chapter, sections []Section) ([]*Chapter, error) {
	byID := make(map[string]*Chapter, len(chapters))
	for i := range chapters {
		chapter := chapters[i]
		chapter.Sections = nil
		chapter.Children = nil
		byID[chapter.ID] = &chapter
	}

	for _, section := range sections {
		owner, ok := byID[section.ChapterID]
		if !ok {
			return nil, NotFound("chapter", section.ChapterID)
		}
		owner.Sections = append(owner.Sections, section)
	}

	var roots []*Chapter
	for _, chapter := range byID {
		if chapter.ParentID == nil {
			roots = append(roots, chapter)
			continue
		}
		parent, ok := byID[*chapter.ParentID]
		if !ok {
			roots = append(roots, chapter)
			continue
		}
		if hasAncestor(byID, parent, chapter.ID) {
			return nil, Validationf("chapter %s is part of a parent cycle", chapter.ID)
		}
		parent.Children = append(parent.Children, chapter)
	}

	var sortLevel func(nodes []*Chapter)
	sortLevel = func(nodes []*Chapter) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Order < nodes[j].Order })
		for _, node := range nodes {
			sort.Slice(node.Sections, func(i, j int) bool { return node.Sections[i].Order < node.Sections[j].Order })
			sortLevel(node.Children)
		}
	}
	sortLevel(roots)
	return roots, nil
}

func hasAncestor(byID map[string]*Chapter, start *Chapter, target string) bool {
	seen := map[string]struct{}{}
	for node := start; node != nil && node.ParentID != nil; {
		if *node.ParentID == target {
			return true
		}
		if _, dup := seen[node.ID]; dup {
			return true
		}
		seen[node.ID] = struct{}{}
		node = byID[*node.ParentID]
	}
	return false
}

// CollectDescendants returns the ids of the chapter and every descendant
// chapter, in no particular order. Used by the cascading delete.
func CollectDescendants(forest []*Chapter, chapterID string) []string {
	var target *Chapter
	var find func(nodes []*Chapter)
	find = func(nodes []*Chapter) {
		for _, node := range nodes {
			if node.ID == chapterID {
				target = node
				return
			}
			find(node.Children)
			if target != nil {
				return
			}
		}
	}
	find(forest)
	if target == nil {
		return nil
	}

	var ids []string
	var walk func(node *Chapter)
	walk = func(node *Chapter) {
		ids = append(ids, node.ID)
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(target)
	return ids
}

// ValidateReorder checks that orderedIDs is an exact permutation of
// currentIDs. Reorders are all-or-nothing: a list that misses or repeats an
// id is rejected before anything is written.
func ValidateReorder(currentIDs, orderedIDs []string) error {
	if len(orderedIDs) != len(currentIDs) {
		return Validationf("reorder must list all %d siblings, got %d", len(currentIDs), len(orderedIDs))
	}
	current := make(map[string]struct{}, len(currentIDs))
	for _, id := range currentIDs {
		current[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := current[id]; !ok {
			return Validationf("reorder references unknown id %s", id)
		}
		if _, dup := seen[id]; dup {
			return Validationf("reorder repeats id %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
