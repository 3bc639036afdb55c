package cache

import (
	"context"
	"time"
)

// Record is a persisted cache value.
type Record struct {
	Value       []byte
	LastUpdated time.Time
}

// Store is a durable tier behind the in-memory cache. Values are opaque
// bytes produced by Marshal.
type Store interface {
	// Load returns the record for key; ok is false when absent.
	Load(ctx context.Context, key string) (rec Record, ok bool, err error)
	Save(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
	// Prune removes records last updated before the cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
