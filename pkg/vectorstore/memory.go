package vectorstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type memCollection struct {
	dim     int
	records map[string]Record
}

// Memory is an in-process Index. Queries are exact brute-force scans.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) CreateCollection(_ context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", name, dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("%w: collection %q exists with dimension %d", ErrDimensionMismatch, name, c.dim)
		}
		return nil
	}
	m.collections[name] = &memCollection{dim: dim, records: make(map[string]Record)}
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection string, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return notFound(collection)
	}
	if err := checkDim(collection, c.dim, records...); err != nil {
		return err
	}
	for _, r := range records {
		c.records[r.ID] = Record{ID: r.ID, Vector: slices.Clone(r.Vector), Metadata: copyMeta(r.Metadata)}
	}
	return nil
}

func (m *Memory) Query(_ context.Context, collection string, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, notFound(collection)
	}
	if len(vector) != c.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %q has %d", ErrDimensionMismatch, len(vector), collection, c.dim)
	}
	matches := make([]Match, 0, len(c.records))
	for _, r := range c.records {
		matches = append(matches, Match{ID: r.ID, Distance: L2(vector, r.Vector), Metadata: copyMeta(r.Metadata)})
	}
	return topK(matches, k), nil
}

func (m *Memory) Count(_ context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, notFound(collection)
	}
	return len(c.records), nil
}

func (m *Memory) Close() error { return nil }
