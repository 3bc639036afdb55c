package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ehr/feasibility/internal/query"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// memStore is an in-memory Store that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	fail    error
	closed  bool
}

func newMemStore() *memStore { return &memStore{records: make(map[string]Record)} }

func (m *memStore) Load(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Record{}, false, m.fail
	}
	r, ok := m.records[key]
	return r, ok, nil
}

func (m *memStore) Save(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records[key] = rec
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return m.fail
}

func (m *memStore) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return m.fail
}

func (m *memStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.records {
		if r.LastUpdated.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, m.fail
}

func (m *memStore) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), m.fail
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Get / Put
// ---------------------------------------------------------------------------

func TestCache_PutGet(t *testing.T) {
	c := New(DefaultConfig())
	c.Put("Observation?code=a", query.NewPatientIDSet("p1", "p2"))

	got, ok := c.Get("Observation?code=a")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Len() != 2 || !got.Has("p1") || !got.Has("p2") {
		t.Errorf("expected {p1 p2}, got %v", got.Sorted())
	}

	if _, ok := c.Get("Observation?code=b"); ok {
		t.Error("expected miss for unknown key")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Entries != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := New(DefaultConfig())
	in := query.NewPatientIDSet("p1")
	c.Put("k", in)
	in.Add("mutated-input")

	got, _ := c.Get("k")
	got.Add("mutated-output")

	again, _ := c.Get("k")
	if again.Len() != 1 || !again.Has("p1") {
		t.Errorf("expected cache contents isolated from callers, got %v", again.Sorted())
	}
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New(DefaultConfig())
	c.Put("k", query.NewPatientIDSet("a"))
	c.Put("k", query.NewPatientIDSet("b"))
	got, _ := c.Get("k")
	if !got.Has("b") || got.Has("a") {
		t.Errorf("expected overwrite, got %v", got.Sorted())
	}
	if c.Size() != 1 {
		t.Errorf("expected size 1, got %d", c.Size())
	}
}

// ---------------------------------------------------------------------------
// Capacity
// ---------------------------------------------------------------------------

func TestCache_TrimKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 200; i++ {
		c.Put(fmt.Sprintf("key-%03d", i), query.NewPatientIDSet(fmt.Sprint(i)))
		clock.Advance(time.Millisecond)
	}
	if c.Size() != 200 {
		t.Fatalf("expected 200 entries, got %d", c.Size())
	}

	c.SetMaxEntries(40)

	if c.Size() != 40 {
		t.Fatalf("expected 40 entries, got %d", c.Size())
	}
	for i := 0; i < 200; i++ {
		_, ok := c.Get(fmt.Sprintf("key-%03d", i))
		if want := i >= 160; ok != want {
			t.Errorf("key-%03d: expected present=%v, got %v", i, want, ok)
		}
	}
}

func TestCache_PutTrimsToMax(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	c := New(cfg, WithClock(clock.Now))

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		c.Put(k, query.NewPatientIDSet(k))
		clock.Advance(time.Second)
		if c.Size() > 3 {
			t.Fatalf("size %d exceeds max", c.Size())
		}
	}
	for _, k := range []string{"c", "d", "e"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s retained", k)
		}
	}
	if ev := c.Stats().Evictions; ev != 2 {
		t.Errorf("expected 2 evictions, got %d", ev)
	}
}

func TestCache_TrimTieBreaksOnKey(t *testing.T) {
	clock := newFakeClock()
	c := New(DefaultConfig(), WithClock(clock.Now))
	for _, k := range []string{"d", "b", "a", "c"} {
		c.Put(k, query.NewPatientIDSet(k))
	}
	c.SetMaxEntries(2)

	for _, k := range []string{"c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s retained", k)
		}
	}
}

func TestCache_RefreshOnAccessProtectsFromTrim(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.RefreshOnAccess = true
	c := New(cfg, WithClock(clock.Now))

	c.Put("old", query.NewPatientIDSet("1"))
	clock.Advance(time.Second)
	c.Put("new", query.NewPatientIDSet("2"))
	clock.Advance(time.Second)
	c.Get("old")

	c.SetMaxEntries(1)
	if _, ok := c.Get("old"); !ok {
		t.Error("expected recently read entry to survive")
	}
}

// ---------------------------------------------------------------------------
// Expiry and cleanup
// ---------------------------------------------------------------------------

func TestCache_CleanupZeroLifetimeEmpties(t *testing.T) {
	c := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprint(i), query.NewPatientIDSet("x"))
	}
	c.SetEntryLifetime(0)
	c.Cleanup()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Size())
	}
}

func TestCache_CleanupDeleteAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeleteAllOnCleanup = true
	c := New(cfg)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprint(i), query.NewPatientIDSet("x"))
	}
	c.Cleanup()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Size())
	}
}

func TestCache_CleanupRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.EntryLifetime = time.Hour
	c := New(cfg, WithClock(clock.Now))

	c.Put("stale", query.NewPatientIDSet("1"))
	clock.Advance(50 * time.Minute)
	c.Put("fresh", query.NewPatientIDSet("2"))
	clock.Advance(20 * time.Minute)

	c.Cleanup()
	if c.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Size())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("expected fresh entry retained")
	}
}

func TestCache_CleanupRespectsInterval(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Hour
	cfg.DeleteAllOnCleanup = true
	c := New(cfg, WithClock(clock.Now))

	c.Cleanup()
	c.Put("k", query.NewPatientIDSet("1"))

	clock.Advance(30 * time.Minute)
	c.Cleanup()
	if c.Size() != 1 {
		t.Fatal("expected cleanup before interval to be a no-op")
	}

	clock.Advance(30 * time.Minute)
	c.Cleanup()
	if c.Size() != 0 {
		t.Fatal("expected cleanup after interval to run")
	}
	if !c.Stats().LastCleanup.Equal(clock.Now()) {
		t.Errorf("expected LastCleanup %v, got %v", clock.Now(), c.Stats().LastCleanup)
	}
}

func TestCache_GetExpiresLazily(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.EntryLifetime = time.Minute
	c := New(cfg, WithClock(clock.Now))

	c.Put("k", query.NewPatientIDSet("1"))
	clock.Advance(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Size() != 0 {
		t.Errorf("expected expired entry removed, got size %d", c.Size())
	}
}

func TestCache_RefreshOnAccessExtendsLifetime(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.EntryLifetime = time.Minute
	cfg.RefreshOnAccess = true
	c := New(cfg, WithClock(clock.Now))

	c.Put("k", query.NewPatientIDSet("1"))
	for i := 0; i < 5; i++ {
		clock.Advance(40 * time.Second)
		if _, ok := c.Get("k"); !ok {
			t.Fatalf("expected hit on access %d", i)
		}
	}
}

func TestCache_DeleteAndDeleteAll(t *testing.T) {
	c := New(DefaultConfig())
	c.Put("a", query.NewPatientIDSet("1"))
	c.Put("b", query.NewPatientIDSet("2"))

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a deleted")
	}
	c.Delete("missing")

	c.DeleteAll()
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got %d", c.Size())
	}
}

func TestCache_Run(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.DeleteAllOnCleanup = true
	c := New(cfg)
	c.Put("k", query.NewPatientIDSet("1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if c.Size() != 0 {
		t.Fatal("expected background cleanup to empty the cache")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 50
	cfg.CleanupInterval = 0
	c := New(cfg)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", (w*31+i)%120)
				c.Put(key, query.NewPatientIDSet(key))
				c.Get(key)
				if i%50 == 0 {
					c.Cleanup()
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Size() > 50 {
		t.Fatalf("size %d exceeds max", c.Size())
	}
}

// ---------------------------------------------------------------------------
// Durable tier
// ---------------------------------------------------------------------------

func TestCache_WriteThroughAndReadThrough(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()

	first := New(DefaultConfig(), WithClock(clock.Now), WithStore(store))
	first.Put("k", query.NewPatientIDSet("p1", "p2"))
	if n, _ := store.Count(context.Background()); n != 1 {
		t.Fatalf("expected 1 persisted record, got %d", n)
	}

	second := New(DefaultConfig(), WithClock(clock.Now), WithStore(store))
	got, ok := second.Get("k")
	if !ok {
		t.Fatal("expected read-through hit")
	}
	if got.Len() != 2 {
		t.Errorf("expected 2 ids, got %v", got.Sorted())
	}
	if second.Size() != 1 {
		t.Errorf("expected entry installed in memory, got size %d", second.Size())
	}
}

func TestCache_ReadThroughSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.EntryLifetime = time.Hour

	New(cfg, WithClock(clock.Now), WithStore(store)).Put("k", query.NewPatientIDSet("p"))
	clock.Advance(2 * time.Hour)

	if _, ok := New(cfg, WithClock(clock.Now), WithStore(store)).Get("k"); ok {
		t.Fatal("expected expired durable entry to miss")
	}
}

func TestCache_CorruptDurableEntryDiscarded(t *testing.T) {
	store := newMemStore()
	store.records["k"] = Record{Value: []byte{7, 1, 'x'}, LastUpdated: time.Now()}

	c := New(DefaultConfig(), WithStore(store))
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected corrupt entry to miss")
	}
	if _, ok := store.records["k"]; ok {
		t.Error("expected corrupt entry deleted from store")
	}
}

func TestCache_StoreErrorsAreNotSurfaced(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk on fire")
	c := New(DefaultConfig(), WithStore(store))

	c.Put("k", query.NewPatientIDSet("1"))
	if _, ok := c.Get("k"); !ok {
		t.Error("expected memory tier to serve despite store failure")
	}
	if _, ok := c.Get("other"); ok {
		t.Error("expected miss")
	}
	c.Delete("k")
	c.DeleteAll()
	c.Cleanup()
}

func TestCache_CleanupPrunesStore(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.EntryLifetime = time.Hour
	c := New(cfg, WithClock(clock.Now), WithStore(store))

	c.Put("old", query.NewPatientIDSet("1"))
	clock.Advance(2 * time.Hour)
	c.Put("new", query.NewPatientIDSet("2"))
	c.Cleanup()

	if _, ok := store.records["old"]; ok {
		t.Error("expected old record pruned")
	}
	if _, ok := store.records["new"]; !ok {
		t.Error("expected new record kept")
	}
}

func TestCache_DeleteAllClearsStore(t *testing.T) {
	store := newMemStore()
	c := New(DefaultConfig(), WithStore(store))
	c.Put("k", query.NewPatientIDSet("1"))
	c.DeleteAll()
	if len(store.records) != 0 {
		t.Errorf("expected empty store, got %d", len(store.records))
	}
	if err := c.Close(); err != nil || !store.closed {
		t.Errorf("expected store closed, got %v", err)
	}
}
