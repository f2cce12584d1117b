package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrReorderMismatch is returned when a reorder payload does not match the
// current sibling set. The transaction is rolled back, nothing moves.
var ErrReorderMismatch = errors.New("reorder does not match current sibling set")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Plans

func (s *PostgresStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at
		FROM plans
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		var item Plan
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var item Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at FROM plans WHERE id=$1
	`, planID).Scan(&item.ID, &item.Name, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Plan{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPlan(ctx context.Context, item Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// Chapters

const chapterColumns = `id, plan_id, parent_id, title, sort_order, updated_at`

func scanChapter(row interface{ Scan(...any) error }) (Chapter, error) {
	var item Chapter
	err := row.Scan(&item.ID, &item.PlanID, &item.ParentID, &item.Title, &item.SortOrder, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListChapters(ctx context.Context, planID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapters
		WHERE plan_id=$1
		ORDER BY parent_id NULLS FIRST, sort_order
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		item, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, chapterID string) (Chapter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id=$1`, chapterID)
	return scanChapter(row)
}

// InsertChapter appends the chapter at the next order slot among its
// siblings.
func (s *PostgresStore) InsertChapter(ctx context.Context, item Chapter) (Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chapters (id, plan_id, parent_id, title, sort_order)
		VALUES ($1, $2, $3, $4, (
			SELECT COALESCE(MAX(sort_order)+1, 0)
			FROM chapters
			WHERE plan_id=$2 AND parent_id IS NOT DISTINCT FROM $3
		))
		RETURNING `+chapterColumns+`
	`, item.ID, item.PlanID, item.ParentID, item.Title)
	inserted, err := scanChapter(row)
	if err != nil {
		return Chapter{}, fmt.Errorf("insert chapter: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateChapterTitle(ctx context.Context, chapterID, title string) (Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE chapters SET title=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+chapterColumns+`
	`, chapterID, title)
	return scanChapter(row)
}

// DeleteChapterCascade removes the listed chapters (a chapter plus its
// descendants, computed by the caller) and their sections in one
// transaction, then restores contiguous ordering per parent across the plan.
func (s *PostgresStore) DeleteChapterCascade(ctx context.Context, planID string, chapterIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chapter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range chapterIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE chapter_id=$1`, id); err != nil {
			return fmt.Errorf("delete chapter sections: %w", err)
		}
	}
	for _, id := range chapterIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE id=$1 AND plan_id=$2`, id, planID); err != nil {
			return fmt.Errorf("delete chapter: %w", err)
		}
	}
	if err := resequenceChapters(ctx, tx, planID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chapter: %w", err)
	}
	return nil
}

func resequenceChapters(ctx context.Context, tx *sql.Tx, planID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE chapters c SET sort_order = t.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY parent_id ORDER BY sort_order, id) AS rn
			FROM chapters WHERE plan_id=$1
		) t
		WHERE c.id = t.id AND c.sort_order <> t.rn - 1
	`, planID)
	if err != nil {
		return fmt.Errorf("resequence chapters: %w", err)
	}
	return nil
}

// ReorderChapters applies a complete new ordering for one sibling group.
// Every id must hit exactly one row of that group or the whole transaction
// rolls back.
func (s *PostgresStore) ReorderChapters(ctx context.Context, planID string, parentID *string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder chapters: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var siblingCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chapters
		WHERE plan_id=$1 AND parent_id IS NOT DISTINCT FROM $2
	`, planID, parentID).Scan(&siblingCount)
	if err != nil {
		return fmt.Errorf("count siblings: %w", err)
	}
	if siblingCount != len(orderedIDs) {
		return ErrReorderMismatch
	}

	for position, id := range orderedIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE chapters SET sort_order=$1, updated_at=NOW()
			WHERE id=$2 AND plan_id=$3 AND parent_id IS NOT DISTINCT FROM $4
		`, position, id, planID, parentID)
		if err != nil {
			return fmt.Errorf("reorder chapter %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder chapter %s: %w", id, err)
		}
		if affected != 1 {
			return ErrReorderMismatch
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder chapters: %w", err)
	}
	return nil
}

// Sections

const sectionColumns = `id, chapter_id, sort_order, content, updated_at`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var item Section
	var content []byte
	err := row.Scan(&item.ID, &item.ChapterID, &item.SortOrder, &content, &item.UpdatedAt)
	if err != nil {
		return Section{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, planID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.chapter_id, s.sort_order, s.content, s.updated_at
		FROM sections s
		JOIN chapters c ON c.id = s.chapter_id
		WHERE c.plan_id=$1
		ORDER BY s.chapter_id, s.sort_order
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		item, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSection(ctx context.Context, sectionID string) (Section, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, sectionID)
	return scanSection(row)
}

func (s *PostgresStore) InsertSection(ctx context.Context, item Section) (Section, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sections (id, chapter_id, sort_order, content)
		VALUES ($1, $2, (
			SELECT COALESCE(MAX(sort_order)+1, 0) FROM sections WHERE chapter_id=$2
		), $3)
		RETURNING `+sectionColumns+`
	`, item.ID, item.ChapterID, []byte(item.Content))
	inserted, err := scanSection(row)
	if err != nil {
		return Section{}, fmt.Errorf("insert section: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateSectionContent(ctx context.Context, sectionID string, content json.RawMessage) (Section, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sections SET content=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+sectionColumns+`
	`, sectionID, []byte(content))
	return scanSection(row)
}

// DeleteSection removes one section and renumbers the remaining sections of
// its chapter so order stays contiguous.
func (s *PostgresStore) DeleteSection(ctx context.Context, sectionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete section: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var chapterID string
	if err := tx.QueryRowContext(ctx, `DELETE FROM sections WHERE id=$1 RETURNING chapter_id`, sectionID).Scan(&chapterID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sections s SET sort_order = t.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY sort_order, id) AS rn
			FROM sections WHERE chapter_id=$1
		) t
		WHERE s.id = t.id AND s.sort_order <> t.rn - 1
	`, chapterID); err != nil {
		return fmt.Errorf("resequence sections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete section: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReorderSections(ctx context.Context, chapterID string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder sections: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE chapter_id=$1`, chapterID).Scan(&count); err != nil {
		return fmt.Errorf("count sections: %w", err)
	}
	if count != len(orderedIDs) {
		return ErrReorderMismatch
	}

	for position, id := range orderedIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE sections SET sort_order=$1, updated_at=NOW()
			WHERE id=$2 AND chapter_id=$3
		`, position, id, chapterID)
		if err != nil {
			return fmt.Errorf("reorder section %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder section %s: %w", id, err)
		}
		if affected != 1 {
			return ErrReorderMismatch
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder sections: %w", err)
	}
	return nil
}

// Tasks

const taskColumns = `id, plan_id, title, status, hierarchy_level, parent_task_id, sort_order, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	err := row.Scan(&item.ID, &item.PlanID, &item.Title, &item.Status, &item.HierarchyLevel, &item.ParentTaskID, &item.SortOrder, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, planID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE plan_id=$1
		ORDER BY parent_task_id NULLS FIRST, sort_order
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) InsertTask(ctx context.Context, item Task) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, plan_id, title, status, hierarchy_level, parent_task_id, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, (
			SELECT COALESCE(MAX(sort_order)+1, 0)
			FROM tasks
			WHERE plan_id=$2 AND parent_task_id IS NOT DISTINCT FROM $6
		))
		RETURNING `+taskColumns+`
	`, item.ID, item.PlanID, item.Title, item.Status, item.HierarchyLevel, item.ParentTaskID)
	inserted, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return inserted, nil
}

// UpdateTask applies a partial patch; nil fields keep their current value.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, title, status *string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET title=COALESCE($2, title), status=COALESCE($3, status), updated_at=NOW()
		WHERE id=$1
		RETURNING `+taskColumns+`
	`, taskID, title, status)
	return scanTask(row)
}

// DeleteTaskCascade deletes a task and, for an h1, its h2 children in one
// transaction so an interrupted cascade can never orphan child rows.
func (s *PostgresStore) DeleteTaskCascade(ctx context.Context, planID, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE parent_task_id=$1`, taskID); err != nil {
		return fmt.Errorf("delete subtasks: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1 AND plan_id=$2`, taskID, planID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks t SET sort_order = x.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY parent_task_id ORDER BY sort_order, id) AS rn
			FROM tasks WHERE plan_id=$1
		) x
		WHERE t.id = x.id AND t.sort_order <> x.rn - 1
	`, planID); err != nil {
		return fmt.Errorf("resequence tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete task: %w", err)
	}
	return nil
}

// Conversation log and pending changes

func (s *PostgresStore) ListChatMessages(ctx context.Context, planID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, role, content, created_at
		FROM chat_messages
		WHERE plan_id=$1
		ORDER BY created_at, id
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.PlanID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, item ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, plan_id, role, content)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.PlanID, item.Role, item.Content)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// CreateAssistantTurn persists the assistant message and its derived pending
// changes atomically: a turn is never visible with half its proposals.
func (s *PostgresStore) CreateAssistantTurn(ctx context.Context, message ChatMessage, changes []PendingChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assistant turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, plan_id, role, content)
		VALUES ($1, $2, $3, $4)
	`, message.ID, message.PlanID, message.Role, message.Content); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	for _, change := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_changes (id, message_id, plan_id, change_type, target_id, proposed_data, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		`, change.ID, message.ID, message.PlanID, change.ChangeType, change.TargetID, []byte(change.ProposedData)); err != nil {
			return fmt.Errorf("insert pending change: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assistant turn: %w", err)
	}
	return nil
}

const changeColumns = `id, message_id, plan_id, change_type, target_id, proposed_data, status, created_at, resolved_at`

func scanChange(row interface{ Scan(...any) error }) (PendingChange, error) {
	var item PendingChange
	var proposed []byte
	err := row.Scan(&item.ID, &item.MessageID, &item.PlanID, &item.ChangeType, &item.TargetID, &proposed, &item.Status, &item.CreatedAt, &item.ResolvedAt)
	if err != nil {
		return PendingChange{}, err
	}
	item.ProposedData = json.RawMessage(proposed)
	return item, nil
}

func (s *PostgresStore) ListPendingChanges(ctx context.Context, planID string) ([]PendingChange, error) {
	return s.listChanges(ctx, `WHERE plan_id=$1`, planID)
}

func (s *PostgresStore) ListChangesByMessage(ctx context.Context, messageID string) ([]PendingChange, error) {
	return s.listChanges(ctx, `WHERE message_id=$1`, messageID)
}

func (s *PostgresStore) ListChangesByTarget(ctx context.Context, targetID string) ([]PendingChange, error) {
	return s.listChanges(ctx, `WHERE target_id=$1`, targetID)
}

func (s *PostgresStore) listChanges(ctx context.Context, where string, arg any) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM pending_changes
		`+where+`
		ORDER BY created_at, id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	items := make([]PendingChange, 0)
	for rows.Next() {
		item, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending changes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPendingChange(ctx context.Context, changeID string) (PendingChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM pending_changes WHERE id=$1`, changeID)
	return scanChange(row)
}

// ResolvePendingChange transitions a change out of pending. The WHERE guard
// makes the transition race-safe: a change that already reached a terminal
// state reports changed=false and is left untouched.
func (s *PostgresStore) ResolvePendingChange(ctx context.Context, changeID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_changes
		SET status=$2, resolved_at=NOW()
		WHERE id=$1 AND status='pending'
	`, changeID, status)
	if err != nil {
		return false, fmt.Errorf("resolve pending change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve pending change: %w", err)
	}
	return affected > 0, nil
}

// SummaryCounts reports plan, open-change and chapter totals for the
// landing view.
func (s *PostgresStore) SummaryCounts(ctx context.Context) (plans, pendingChanges, chapters int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM plans),
			(SELECT COUNT(*) FROM pending_changes WHERE status='pending'),
			(SELECT COUNT(*) FROM chapters)
	`).Scan(&plans, &pendingChanges, &chapters)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return plans, pendingChanges, chapters, nil
}
