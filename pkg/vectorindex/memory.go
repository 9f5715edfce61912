package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// MemoryStore is an in-process Store implementation used by tests and by
// any caller that wants VectorIndex semantics without a running Qdrant
// instance. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// EnsureCollection is a no-op: MemoryStore has no collection to create.
func (m *MemoryStore) EnsureCollection(_ context.Context, _ int) error { return nil }

// Upsert writes or replaces the point with the given id.
func (m *MemoryStore) Upsert(_ context.Context, id string, vector []float32, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id] = Record{ID: id, Vector: vector, Payload: payload}
	return nil
}

// Get returns the single point with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("record %q: %w", id, pkgerrors.ErrNotFound)
	}
	return &rec, nil
}

// Search returns up to topK records ordered by descending cosine similarity.
func (m *MemoryStore) Search(_ context.Context, vector []float32, topK int, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		if !matchesFilter(rec, filter) {
			continue
		}
		rec.Score = cosineSimilarity(vector, rec.Vector)
		matches = append(matches, rec)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK >= 0 && topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

// Scroll returns every record matching filter.
func (m *MemoryStore) Scroll(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		if matchesFilter(rec, filter) {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

// DeleteByServer removes every tool and server record for serverName.
func (m *MemoryStore) DeleteByServer(_ context.Context, serverName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.recs {
		if rec.Payload.ServerName == serverName {
			delete(m.recs, id)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func matchesFilter(rec Record, filter Filter) bool {
	if filter.ServerName != nil && rec.Payload.ServerName != *filter.ServerName {
		return false
	}
	if filter.RecordType != nil && rec.Payload.RecordType != *filter.RecordType {
		return false
	}
	if filter.Blocked != nil && rec.Payload.Blocked != *filter.Blocked {
		return false
	}
	return true
}
