package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type pgCollection struct {
	Name string `gorm:"primaryKey"`
	Dim  int    `gorm:"not null"`
}

func (pgCollection) TableName() string { return "vector_collections" }

type pgRecord struct {
	Collection string          `gorm:"primaryKey"`
	ID         string          `gorm:"primaryKey"`
	Embedding  pgvector.Vector `gorm:"type:vector"`
	Metadata   string          `gorm:"type:jsonb"`
}

func (pgRecord) TableName() string { return "vector_records" }

type pgMatch struct {
	ID       string
	Metadata string
	Distance float64
}

// PGVector stores vectors in PostgreSQL using the pgvector extension and
// orders queries with its L2 operator.
type PGVector struct {
	db *gorm.DB
}

// OpenPGVector connects to dsn and prepares the schema.
func OpenPGVector(ctx context.Context, dsn string) (*PGVector, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newPGVector(ctx, db)
}

func newPGVector(ctx context.Context, db *gorm.DB) (*PGVector, error) {
	if err := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&pgCollection{}, &pgRecord{}); err != nil {
		return nil, fmt.Errorf("migrate vector tables: %w", err)
	}
	return &PGVector{db: db}, nil
}

func (p *PGVector) dim(ctx context.Context, name string) (int, error) {
	var c pgCollection
	err := p.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, notFound(name)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup collection %q: %w", name, err)
	}
	return c.Dim, nil
}

func (p *PGVector) CreateCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", name, dim)
	}
	c := pgCollection{Name: name, Dim: dim}
	if err := p.db.WithContext(ctx).Where(pgCollection{Name: name}).FirstOrCreate(&c).Error; err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	if c.Dim != dim {
		return fmt.Errorf("%w: collection %q exists with dimension %d", ErrDimensionMismatch, name, c.Dim)
	}
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, collection string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := p.dim(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDim(collection, dim, records...); err != nil {
		return err
	}
	rows := make([]pgRecord, len(records))
	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("record %q: marshal metadata: %w", r.ID, err)
		}
		rows[i] = pgRecord{Collection: collection, ID: r.ID, Embedding: pgvector.NewVector(r.Vector), Metadata: string(meta)}
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "metadata"}),
	}).Create(&rows).Error
}

func (p *PGVector) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	dim, err := p.dim(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %q has %d", ErrDimensionMismatch, len(vector), collection, dim)
	}
	var rows []pgMatch
	err = p.db.WithContext(ctx).
		Model(&pgRecord{}).
		Select("id, metadata, embedding <-> ? AS distance", pgvector.NewVector(vector)).
		Where("collection = ?", collection).
		Order("distance, id").
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", collection, err)
	}
	matches := make([]Match, len(rows))
	for i, r := range rows {
		matches[i] = Match{ID: r.ID, Distance: r.Distance}
		if r.Metadata != "" && r.Metadata != "null" {
			if err := json.Unmarshal([]byte(r.Metadata), &matches[i].Metadata); err != nil {
				return nil, fmt.Errorf("record %q: decode metadata: %w", r.ID, err)
			}
		}
	}
	return matches, nil
}

func (p *PGVector) Count(ctx context.Context, collection string) (int, error) {
	if _, err := p.dim(ctx, collection); err != nil {
		return 0, err
	}
	var n int64
	err := p.db.WithContext(ctx).Model(&pgRecord{}).Where("collection = ?", collection).Count(&n).Error
	return int(n), err
}

func (p *PGVector) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
