package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehr/feasibility/internal/cache"
	"github.com/ehr/feasibility/internal/query"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 10, 0, 0, 123, time.UTC)

	if err := s.Save(ctx, "Patient?gender=female", cache.Record{Value: []byte{0, 1, 'a'}, LastUpdated: now}); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.Load(ctx, "Patient?gender=female")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record")
	}
	if !bytes.Equal(rec.Value, []byte{0, 1, 'a'}) {
		t.Errorf("unexpected value %v", rec.Value)
	}
	if !rec.LastUpdated.Equal(now) {
		t.Errorf("expected %v, got %v", now, rec.LastUpdated)
	}

	if _, ok, err := s.Load(ctx, "missing"); err != nil || ok {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestSaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Save(ctx, "k", cache.Record{Value: []byte{0}, LastUpdated: now})
	_ = s.Save(ctx, "k", cache.Record{Value: []byte{0, 1, 'z'}, LastUpdated: now.Add(time.Second)})

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
	rec, _, _ := s.Load(ctx, "k")
	if len(rec.Value) != 3 {
		t.Errorf("expected replaced value, got %v", rec.Value)
	}
}

func TestPruneDeleteAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, k := range []string{"a", "b", "c", "d"} {
		if err := s.Save(ctx, k, cache.Record{Value: []byte{0}, LastUpdated: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Prune(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned, got %d", removed)
	}

	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}

	if err := s.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("expected 0 rows, got %d", n)
	}
}

func TestBehindCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c1 := cache.New(cache.DefaultConfig(), cache.WithStore(s1))
	c1.Put("Condition?code=I10", query.NewPatientIDSet("p1", "p2", "p3"))
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c2 := cache.New(cache.DefaultConfig(), cache.WithStore(s2))
	defer c2.Close()

	got, ok := c2.Get("Condition?code=I10")
	if !ok {
		t.Fatal("expected entry to survive reopen")
	}
	if got.Len() != 3 {
		t.Errorf("expected 3 ids, got %v", got.Sorted())
	}
}
