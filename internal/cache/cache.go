// Package cache holds patient identifier sets keyed by compiled search query
// so that repeated criteria do not hit the FHIR server again. Entries are
// bounded by count and by age; an optional Store persists them across
// restarts.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/feasibility/internal/platform/telemetry"
	"github.com/ehr/feasibility/internal/query"
)

// storeTimeout bounds a single durable tier operation.
const storeTimeout = 5 * time.Second

// Config controls eviction.
type Config struct {
	// CleanupInterval is the minimum time between two effective Cleanup
	// calls, and the tick of Run.
	CleanupInterval time.Duration

	// EntryLifetime is the age at which an entry expires.
	EntryLifetime time.Duration

	// MaxEntries bounds the number of entries held in memory.
	MaxEntries int

	// RefreshOnAccess restarts an entry's lifetime when it is read.
	RefreshOnAccess bool

	// DeleteAllOnCleanup makes Cleanup drop every entry instead of only the
	// expired ones.
	DeleteAllOnCleanup bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Hour,
		EntryLifetime:   24 * time.Hour,
		MaxEntries:      50000,
	}
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	LastCleanup time.Time
}

type entry struct {
	ids         query.PatientIDSet
	lastUpdated time.Time
}

// Cache is safe for concurrent use. One mutex guards the entry map and
// every sweep over it; durable tier I/O happens outside the lock.
type Cache struct {
	mu          sync.Mutex
	cfg         Config
	entries     map[string]*entry
	lastCleanup time.Time
	hits        uint64
	misses      uint64
	evictions   uint64

	store     Store
	now       func() time.Time
	log       zerolog.Logger
	telemetry *telemetry.Provider
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStore attaches a durable tier.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l.With().Str("component", "result_cache").Logger() }
}

// WithTelemetry records hit, miss, eviction and size metrics.
func WithTelemetry(tp *telemetry.Provider) Option {
	return func(c *Cache) { c.telemetry = tp }
}

// New creates an empty cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the set stored under key. Expired entries are
// misses. On a memory miss the durable tier, if any, is consulted.
func (c *Cache) Get(key string) (query.PatientIDSet, bool) {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.entries[key]; ok {
		if c.expired(e, now) {
			delete(c.entries, key)
			c.evictions++
			c.telemetry.CacheEvicted("expired", 1)
		} else {
			if c.cfg.RefreshOnAccess {
				e.lastUpdated = now
			}
			ids := e.ids.Clone()
			c.hits++
			c.mu.Unlock()
			c.telemetry.CacheLookup(true)
			return ids, true
		}
	}
	c.mu.Unlock()

	if ids, ok := c.loadFromStore(key, now); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		c.telemetry.CacheLookup(true)
		return ids, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.telemetry.CacheLookup(false)
	return nil, false
}

// loadFromStore reads key from the durable tier and installs it in memory.
func (c *Cache) loadFromStore(key string, now time.Time) (query.PatientIDSet, bool) {
	if c.store == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("durable cache load failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if c.cfg.RefreshOnAccess {
		rec.LastUpdated = now
	}
	if !now.Before(rec.LastUpdated.Add(c.lifetime())) {
		return nil, false
	}
	ids, err := Unmarshal(rec.Value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable durable cache entry")
		c.storeDelete(key)
		return nil, false
	}

	c.mu.Lock()
	c.entries[key] = &entry{ids: ids, lastUpdated: rec.LastUpdated}
	c.trimLocked()
	size := len(c.entries)
	c.mu.Unlock()
	c.telemetry.CacheSize(size)

	return ids.Clone(), true
}

// Put stores a copy of ids under key and trims the cache to MaxEntries.
func (c *Cache) Put(key string, ids query.PatientIDSet) {
	c.mu.Lock()
	now := c.now()
	c.entries[key] = &entry{ids: ids.Clone(), lastUpdated: now}
	c.trimLocked()
	size := len(c.entries)
	c.mu.Unlock()
	c.telemetry.CacheSize(size)

	if c.store == nil {
		return
	}
	value, err := Marshal(ids)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("entry not persisted")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, key, Record{Value: value, LastUpdated: now}); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("durable cache save failed")
	}
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()
	c.telemetry.CacheSize(size)
	c.storeDelete(key)
}

// DeleteAll removes every entry.
func (c *Cache) DeleteAll() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.evictions += uint64(n)
	c.mu.Unlock()
	c.telemetry.CacheEvicted("cleared", n)
	c.telemetry.CacheSize(0)

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.DeleteAll(ctx); err != nil {
		c.log.Warn().Err(err).Msg("durable cache clear failed")
	}
}

// Cleanup removes expired entries, or all entries with DeleteAllOnCleanup,
// then trims to MaxEntries. It does nothing if the previous effective run
// was less than CleanupInterval ago.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	now := c.now()
	if !c.lastCleanup.IsZero() && now.Sub(c.lastCleanup) < c.cfg.CleanupInterval {
		c.mu.Unlock()
		return
	}
	c.lastCleanup = now

	total := len(c.entries)
	deleteAll := c.cfg.DeleteAllOnCleanup
	expired := 0
	if deleteAll {
		expired = total
		c.entries = make(map[string]*entry)
	} else {
		for key, e := range c.entries {
			if c.expired(e, now) {
				delete(c.entries, key)
				expired++
			}
		}
	}
	c.evictions += uint64(expired)
	trimmed := c.trimLocked()
	remaining := len(c.entries)
	cutoff := now.Add(-c.cfg.EntryLifetime)
	c.mu.Unlock()

	if deleteAll {
		c.telemetry.CacheEvicted("cleared", expired)
	} else {
		c.telemetry.CacheEvicted("expired", expired)
	}
	c.telemetry.CacheSize(remaining)

	c.log.Debug().
		Int("total_entries", total).
		Int("expired_removed", expired).
		Int("size_limit_removed", trimmed).
		Int("remaining_entries", remaining).
		Msg("Completed cache cleanup")

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if deleteAll {
		if err := c.store.DeleteAll(ctx); err != nil {
			c.log.Warn().Err(err).Msg("durable cache clear failed")
		}
		return
	}
	if n, err := c.store.Prune(ctx, cutoff); err != nil {
		c.log.Warn().Err(err).Msg("durable cache prune failed")
	} else if n > 0 {
		c.log.Debug().Int("pruned", n).Msg("Pruned durable cache")
	}
}

// Run calls Cleanup every CleanupInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.CleanupInterval
	c.mu.Unlock()
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().
		Dur("interval", interval).
		Int("max_entries", c.maxEntries()).
		Dur("ttl", c.lifetime()).
		Msg("Started cache cleanup routine")

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-ctx.Done():
			c.log.Info().Msg("Stopping cache cleanup routine")
			return
		}
	}
}

// Size returns the number of entries held in memory.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetMaxEntries changes the bound and trims immediately.
func (c *Cache) SetMaxEntries(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	c.cfg.MaxEntries = n
	c.trimLocked()
	size := len(c.entries)
	c.mu.Unlock()
	c.telemetry.CacheSize(size)
}

// SetEntryLifetime changes the expiry age. It takes effect on the next Get
// or Cleanup.
func (c *Cache) SetEntryLifetime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.EntryLifetime = d
}

// Stats returns counters since creation.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		LastCleanup: c.lastCleanup,
	}
}

// Close releases the durable tier.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) storeDelete(key string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("durable cache delete failed")
	}
}

func (c *Cache) lifetime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.EntryLifetime
}

func (c *Cache) maxEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MaxEntries
}

// expired reports whether e has reached EntryLifetime. Caller holds mu.
func (c *Cache) expired(e *entry, now time.Time) bool {
	return !now.Before(e.lastUpdated.Add(c.cfg.EntryLifetime))
}

// trimLocked evicts the oldest entries until MaxEntries holds. Equal
// timestamps evict the smaller key first. Caller holds mu.
func (c *Cache) trimLocked() int {
	excess := len(c.entries) - c.cfg.MaxEntries
	if excess <= 0 {
		return 0
	}

	type aged struct {
		key         string
		lastUpdated time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.lastUpdated})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].lastUpdated.Equal(all[j].lastUpdated) {
			return all[i].lastUpdated.Before(all[j].lastUpdated)
		}
		return all[i].key < all[j].key
	})
	for _, a := range all[:excess] {
		delete(c.entries, a.key)
	}
	c.evictions += uint64(excess)
	c.telemetry.CacheEvicted("size", excess)
	return excess
}
