package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dim  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL REFERENCES collections(name),
		id         TEXT NOT NULL,
		vector     BLOB NOT NULL,
		metadata   TEXT,
		PRIMARY KEY (collection, id)
	)`,
}

// SQLite persists vectors in a SQLite file and scans them for queries.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create vector store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) dim(ctx context.Context, name string) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, "SELECT dim FROM collections WHERE name = ?", name).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound(name)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup collection %q: %w", name, err)
	}
	return dim, nil
}

func (s *SQLite) CreateCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", name, dim)
	}
	existing, err := s.dim(ctx, name)
	switch {
	case err == nil && existing != dim:
		return fmt.Errorf("%w: collection %q exists with dimension %d", ErrDimensionMismatch, name, existing)
	case err == nil:
		return nil
	case !errors.Is(err, ErrCollectionNotFound):
		return err
	}
	if _, err := s.db.ExecContext(ctx, "INSERT INTO collections (name, dim) VALUES (?, ?)", name, dim); err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, collection string, records ...Record) error {
	dim, err := s.dim(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDim(collection, dim, records...); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (collection, id, vector, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("record %q: marshal metadata: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, r.ID, encodeVector(r.Vector), string(meta)); err != nil {
			return fmt.Errorf("upsert record %q: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	dim, err := s.dim(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %q has %d", ErrDimensionMismatch, len(vector), collection, dim)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, vector, metadata FROM records WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var (
			id   string
			blob []byte
			meta sql.NullString
		)
		if err := rows.Scan(&id, &blob, &meta); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		m := Match{ID: id, Distance: L2(vector, decodeVector(blob))}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("record %q: decode metadata: %w", id, err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topK(matches, k), nil
}

func (s *SQLite) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.dim(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error { return s.db.Close() }

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
