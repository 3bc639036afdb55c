package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/feasibility/internal/query"
)

// Resolver turns one criterion into the set of matching patients.
type Resolver interface {
	Resolve(ctx context.Context, c query.Criterion) *Future[query.PatientIDSet]
}

// Compiler builds the search query string for a criterion.
type Compiler interface {
	Compile(c query.Criterion) (string, error)
}

// Searcher runs a search query to completion.
type Searcher interface {
	FetchPatientIDs(ctx context.Context, q string) (query.PatientIDSet, error)
}

// Cache stores search results by query string.
type Cache interface {
	Get(key string) (query.PatientIDSet, bool)
	Put(key string, ids query.PatientIDSet)
}

// CachingResolver answers from the cache and fetches misses on the pool.
// Concurrent misses for the same query are not coalesced.
type CachingResolver struct {
	compiler Compiler
	cache    Cache
	searcher Searcher
	pool     *Pool
	log      zerolog.Logger
}

// NewCachingResolver wires a resolver. cache may be nil to always fetch.
func NewCachingResolver(compiler Compiler, cache Cache, searcher Searcher, pool *Pool, logger zerolog.Logger) *CachingResolver {
	return &CachingResolver{
		compiler: compiler,
		cache:    cache,
		searcher: searcher,
		pool:     pool,
		log:      logger.With().Str("component", "resolver").Logger(),
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, c query.Criterion) *Future[query.PatientIDSet] {
	q, err := r.compiler.Compile(c)
	if err != nil {
		return Completed[query.PatientIDSet](nil, err)
	}

	if r.cache != nil {
		if ids, ok := r.cache.Get(q); ok {
			r.log.Debug().Str("query", q).Int("patients", ids.Len()).Msg("cache hit")
			return Completed(ids, nil)
		}
	}

	f := NewFuture[query.PatientIDSet]()
	task := func() {
		ids, err := r.searcher.FetchPatientIDs(ctx, q)
		if err != nil {
			f.Complete(nil, fmt.Errorf("criterion %s: %w", c, err))
			return
		}
		if r.cache != nil {
			r.cache.Put(q, ids)
		}
		f.Complete(ids, nil)
	}
	if err := r.pool.Submit(ctx, task); err != nil {
		f.Complete(nil, fmt.Errorf("criterion %s: %w", c, err))
	}
	return f
}
