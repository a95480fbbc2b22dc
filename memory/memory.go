// Package memory defines the narrow recall contract the agent runner depends
// on — search(query, limit) and store(record) — plus a process-local
// keyword-scored implementation for tests and demos. Vector or external
// backends plug in behind the same interface.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is a single memory item.
type Record struct {
	ID       string
	Content  string
	Metadata map[string]any
	Stored   time.Time
}

// SearchResult pairs a recalled record with a relevance score.
type SearchResult struct {
	Record
	Score float64
}

// Store is the recall capability consumed by agents. Implementations can
// back Search with embeddings, keywords or any heuristic.
type Store interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Store(ctx context.Context, content string, metadata map[string]any) error
}

// InMemoryStore is a naive process-local Store.
//
// Search: linear scan scoring each record by the fraction of query terms it
// contains (case insensitive). Suitable only for tests / demos; swap in a
// vector index for production retrieval.
//
// Concurrency: protected by RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewInMemoryStore creates a new in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Store appends a new record generating a simple incremental id.
func (m *InMemoryStore) Store(_ context.Context, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{
		ID:       fmt.Sprintf("mem_%d", len(m.records)),
		Content:  content,
		Metadata: metadata,
		Stored:   time.Now().UTC(),
	})
	return nil
}

// Search scores records by query term overlap and returns the top hits,
// highest score first. An empty query matches everything with score 1.0.
func (m *InMemoryStore) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))

	var results []SearchResult
	for _, rec := range m.records {
		score := scoreRecord(rec, terms)
		if score > 0 {
			results = append(results, SearchResult{Record: rec, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func scoreRecord(rec Record, terms []string) float64 {
	if len(terms) == 0 {
		return 1.0
	}
	content := strings.ToLower(rec.Content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// Len returns the number of stored records.
func (m *InMemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
