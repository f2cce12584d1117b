package plan

// Snapshot is one consistent projection of a plan's trees: the chapter
// forest plus the task tree.
type Snapshot struct {
	Chapters []*Chapter
	Tasks    []TaskNode
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{}
	if s.Chapters != nil {
		out.Chapters = make([]*Chapter, 0, len(s.Chapters))
		for _, chapter := range s.Chapters {
			out.Chapters = append(out.Chapters, cloneChapter(chapter))
		}
	}
	if s.Tasks != nil {
		out.Tasks = make([]TaskNode, len(s.Tasks))
		for i, node := range s.Tasks {
			copied := node
			copied.Children = append([]Task(nil), node.Children...)
			out.Tasks[i] = copied
		}
	}
	return out
}

func cloneChapter(chapter *Chapter) *Chapter {
	copied := *chapter
	copied.Sections = append([]Section(nil), chapter.Sections...)
	copied.Children = make([]*Chapter, 0, len(chapter.Children))
	for _, child := range chapter.Children {
		copied.Children = append(copied.Children, cloneChapter(child))
	}
	return &copied
}

// Projection holds the two-layer optimistic state: the last server-confirmed
// snapshot and an optional working snapshot carrying in-flight local
// mutations. Rollback discards the working layer; a server acknowledgement
// replaces the confirmed layer and drops the working one.
type Projection struct {
	confirmed Snapshot
	working   *Snapshot
}

func NewProjection(confirmed Snapshot) *Projection {
	return &Projection{confirmed: confirmed}
}

// Current returns the snapshot the UI should render: working if an
// optimistic mutation is in flight, confirmed otherwise.
func (p *Projection) Current() Snapshot {
	if p.working != nil {
		return *p.working
	}
	return p.confirmed
}

func (p *Projection) Dirty() bool { return p.working != nil }

// Stage applies an optimistic mutation to a copy of the current snapshot.
// The confirmed layer is never touched, so a failed request can roll back.
func (p *Projection) Stage(mutate func(*Snapshot) error) error {
	next := p.Current().clone()
	if err := mutate(&next); err != nil {
		return err
	}
	p.working = &next
	return nil
}

// Confirm replaces the confirmed layer with server-acknowledged state and
// drops any working layer.
func (p *Projection) Confirm(confirmed Snapshot) {
	p.confirmed = confirmed
	p.working = nil
}

// Rollback discards in-flight optimistic mutations, reverting to the last
// confirmed snapshot.
func (p *Projection) Rollback() {
	p.working = nil
}
