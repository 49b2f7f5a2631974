package repository

import (
	"context"
	"math"
	"sort"
	"sync"

	"smartlibrarian-backend/models"
)

// MemoryIndex is an in-process similarity index for development and tests.
// Documents keep insertion order so equal distances rank deterministically.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string][]models.CatalogDocument
	positions   map[string]map[string]int // collection -> id -> slice index
}

// NewMemoryIndex creates an empty in-memory index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		collections: make(map[string][]models.CatalogDocument),
		positions:   make(map[string]map[string]int),
	}
}

// Upsert stores documents, replacing any with the same collection and id
func (m *MemoryIndex) Upsert(ctx context.Context, docs []models.CatalogDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		existing := m.collections[doc.Collection]
		if len(existing) > 0 && len(existing[0].Embedding) != len(doc.Embedding) {
			return ErrDimensionMismatch
		}

		pos, ok := m.positions[doc.Collection]
		if !ok {
			pos = make(map[string]int)
			m.positions[doc.Collection] = pos
		}
		if i, ok := pos[doc.ID]; ok {
			existing[i] = doc
			continue
		}
		pos[doc.ID] = len(existing)
		m.collections[doc.Collection] = append(existing, doc)
	}
	return nil
}

// Nearest ranks every document in the collection by cosine distance
func (m *MemoryIndex) Nearest(ctx context.Context, collection string, embedding []float32, topK int) (*QueryResult, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := m.collections[collection]
	if len(docs) > 0 && len(docs[0].Embedding) != len(embedding) {
		return nil, ErrDimensionMismatch
	}

	type scored struct {
		doc      models.CatalogDocument
		distance float64
	}
	results := make([]scored, len(docs))
	for i, doc := range docs {
		results[i] = scored{doc: doc, distance: cosineDistance(embedding, doc.Embedding)}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].distance < results[j].distance
	})
	if len(results) > topK {
		results = results[:topK]
	}

	out := &QueryResult{}
	for _, r := range results {
		out.append(r.doc, r.distance)
	}
	return out, nil
}

// Count returns the number of documents in a collection
func (m *MemoryIndex) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection]), nil
}

// cosineDistance is 1 - cosine similarity; zero vectors are maximally dissimilar
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
