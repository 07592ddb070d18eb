// Package vectorstore stores embedding vectors in named collections and
// answers nearest-neighbour queries by Euclidean distance.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrCollectionNotFound is returned when querying or writing to a
	// collection that was never created.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// its collection's dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Record is one stored vector with its metadata.
type Record struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match is one query result. Lower Distance is closer.
type Match struct {
	ID       string            `json:"id"`
	Distance float64           `json:"distance"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index is a collection-scoped vector index.
type Index interface {
	// CreateCollection creates name with the given dimension. It is a no-op
	// when the collection already exists with the same dimension.
	CreateCollection(ctx context.Context, name string, dim int) error
	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, collection string, records ...Record) error
	// Query returns up to k matches ordered by ascending distance.
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error)
	// Count returns the number of records in collection.
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend"` // memory, sqlite or pgvector
	DSN     string `yaml:"dsn"`     // file path for sqlite, connection string for pgvector
}

// Open returns the Index described by cfg.
func Open(ctx context.Context, cfg Config) (Index, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite vector store: dsn (database path) is required")
		}
		return OpenSQLite(ctx, cfg.DSN)
	case "pgvector", "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("pgvector store: dsn is required")
		}
		return OpenPGVector(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

// L2 returns the Euclidean distance between a and b, which must have equal length.
func L2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// topK sorts matches by distance, breaking ties by ID, and truncates to k.
func topK(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func checkDim(collection string, want int, records ...Record) error {
	for _, r := range records {
		if len(r.Vector) != want {
			return fmt.Errorf("%w: collection %q has dimension %d, record %q has %d", ErrDimensionMismatch, collection, want, r.ID, len(r.Vector))
		}
		if r.ID == "" {
			return fmt.Errorf("collection %q: record with empty ID", collection)
		}
	}
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
