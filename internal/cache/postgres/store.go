// Package postgres is a cache.Store backed by a shared Postgres database,
// so several service instances can reuse each other's search results.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/feasibility/internal/cache"
	"github.com/ehr/feasibility/internal/platform/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "result_cache_migrations"

// Store persists cache records in the result_cache table.
type Store struct {
	pool *pgxpool.Pool
	// ownsPool is set when Close should close the pool too.
	ownsPool bool
}

var _ cache.Store = (*Store)(nil)

// New migrates the schema and returns a store on pool. The caller keeps
// ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	files, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	if _, err := db.NewMigrator(pool, files, migrationsTable).Up(ctx); err != nil {
		return nil, fmt.Errorf("migrate result cache: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Owned makes Close release the pool.
func (s *Store) Owned() *Store {
	s.ownsPool = true
	return s
}

func (s *Store) Load(ctx context.Context, key string) (cache.Record, bool, error) {
	var rec cache.Record
	err := s.pool.QueryRow(ctx,
		`SELECT patient_ids, last_updated FROM result_cache WHERE query_key = $1`, key,
	).Scan(&rec.Value, &rec.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("cache load: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Save(ctx context.Context, key string, rec cache.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO result_cache (query_key, patient_ids, last_updated) VALUES ($1, $2, $3)
		 ON CONFLICT (query_key) DO UPDATE SET patient_ids = EXCLUDED.patient_ids, last_updated = EXCLUDED.last_updated`,
		key, rec.Value, rec.LastUpdated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM result_cache WHERE query_key = $1`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM result_cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM result_cache WHERE last_updated < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close releases the pool if the store owns it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
