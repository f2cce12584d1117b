package search

import (
	"context"
	"database/sql"
	"strings"
)

// PgFTS searches plan content with PostgreSQL full-text search. Used as the
// fallback when Meilisearch is down; indexing is a no-op because Postgres is
// already the source of truth.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search executes a UNION ALL query across chapters, sections and tasks using
// plainto_tsquery and ts_rank.
func (p *PgFTS) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	const q = `
		SELECT kind, id, plan_id, title, body FROM (
			SELECT 'chapter'::text AS kind, c.id, c.plan_id, c.title, ''::text AS body,
				ts_rank(to_tsvector('english', c.title), plainto_tsquery('english', $1)) AS rank
			FROM chapters c
			WHERE to_tsvector('english', c.title) @@ plainto_tsquery('english', $1)
			UNION ALL
			SELECT 'section'::text AS kind, s.id, c.plan_id, ''::text AS title, s.content::text AS body,
				ts_rank(to_tsvector('english', s.content::text), plainto_tsquery('english', $1)) AS rank
			FROM sections s
			JOIN chapters c ON c.id = s.chapter_id
			WHERE to_tsvector('english', s.content::text) @@ plainto_tsquery('english', $1)
			UNION ALL
			SELECT 'task'::text AS kind, t.id, t.plan_id, t.title, ''::text AS body,
				ts_rank(to_tsvector('english', t.title), plainto_tsquery('english', $1)) AS rank
			FROM tasks t
			WHERE to_tsvector('english', t.title) @@ plainto_tsquery('english', $1)
		) matches
		ORDER BY rank DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, q, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		if err := rows.Scan(&hit.Kind, &hit.ID, &hit.PlanID, &hit.Title, &hit.Body); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
