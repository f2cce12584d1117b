package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// IndexWorkspace pushes a plan's documents to Meilisearch. Postgres needs no
// indexing step, so this is a no-op when Meilisearch is absent or down.
func (s *Service) IndexWorkspace(ctx context.Context, planID string, docs []Document) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexWorkspace(planID, docs)
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.Search(query, limit)
		if err == nil {
			return nonNil(hits), nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return []Hit{}, nil
	}
	hits, err := s.pgfts.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return nonNil(hits), nil
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(hits []Hit) []Hit {
	if hits == nil {
		return []Hit{}
	}
	return hits
}
