package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxWorkspace = "planloom_workspace"

// Meili indexes and searches plan content via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the workspace index.
// The client starts unhealthy if the initial connection fails; the health
// loop reconfigures once the server comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxWorkspace,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxWorkspace, err)
	}

	index := m.client.Index(idxWorkspace)
	filterable := []interface{}{"planId", "kind"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxWorkspace, err)
	}
	searchable := []string{"title", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxWorkspace, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexWorkspace replaces a plan's records with the given documents. Records
// for entities deleted since the last sync are removed first.
func (m *Meili) IndexWorkspace(planID string, docs []Document) error {
	index := m.client.Index(idxWorkspace)
	if _, err := index.DeleteDocumentsByFilter(fmt.Sprintf("planId = %q", planID), nil); err != nil {
		return fmt.Errorf("meilisearch clear plan %s: %w", planID, err)
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("meilisearch index plan %s: %w", planID, err)
	}
	return nil
}

// Search queries the workspace index.
func (m *Meili) Search(query string, limit int) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxWorkspace).Search(query, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Hits))
	for _, raw := range resp.Hits {
		hits = append(hits, Hit{
			ID:     decodeString(raw, "id"),
			PlanID: decodeString(raw, "planId"),
			Kind:   decodeString(raw, "kind"),
			Title:  decodeString(raw, "title"),
			Body:   decodeString(raw, "body"),
		})
	}
	return hits, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
