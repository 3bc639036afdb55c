// Package sqlite is a cache.Store backed by a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ehr/feasibility/internal/cache"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS result_cache (
	query_key TEXT PRIMARY KEY,
	patient_ids BLOB NOT NULL,
	last_updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS result_cache_last_updated ON result_cache (last_updated);
`

// Store persists cache records in SQLite.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, key string) (cache.Record, bool, error) {
	var (
		value   []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT patient_ids, last_updated FROM result_cache WHERE query_key = ?`, key,
	).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("cache load: %w", err)
	}
	return cache.Record{Value: value, LastUpdated: time.Unix(0, updated).UTC()}, true, nil
}

func (s *Store) Save(ctx context.Context, key string, rec cache.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO result_cache (query_key, patient_ids, last_updated) VALUES (?, ?, ?)`,
		key, rec.Value, rec.LastUpdated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE query_key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE last_updated < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	return int(n), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
