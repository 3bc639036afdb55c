package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_result_cache.sql": {Data: []byte("CREATE TABLE result_cache (query_key TEXT PRIMARY KEY);")},
		"002_index.sql":        {Data: []byte("CREATE INDEX ON result_cache (query_key);")},
		"003_stats.sql":        {Data: []byte("CREATE TABLE cache_stats (id SERIAL PRIMARY KEY);")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_result_cache.sql" {
		t.Errorf("expected name 001_result_cache.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE result_cache (query_key TEXT PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_last.sql":  {Data: []byte("SELECT 10;")},
		"002_mid.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	files := fstest.MapFS{
		"001_ok.sql":       {Data: []byte("SELECT 1;")},
		"abc_notnum.sql":   {Data: []byte("SELECT 2;")},
		"noprefix.sql":     {Data: []byte("SELECT 3;")},
		"002_readme.txt":   {Data: []byte("not sql")},
		"sub/003_deep.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
	if migrations[0].Name != "001_ok.sql" {
		t.Errorf("expected 001_ok.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestLoadMigrations_DirFS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_core.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	migrations, err := LoadMigrations(os.DirFS(dir))
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	if _, err := LoadMigrations(os.DirFS("/nonexistent/path/that/does/not/exist")); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestMergeStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_index.sql"},
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := mergeStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", statuses[1])
	}
}

func TestNewMigrator(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.table != "_migrations" {
		t.Errorf("expected default table _migrations, got %s", m.table)
	}
	if m.pool != nil {
		t.Error("expected nil pool")
	}

	m = NewMigrator(nil, fstest.MapFS{}, "result_cache_migrations")
	if m.table != "result_cache_migrations" {
		t.Errorf("expected custom table, got %s", m.table)
	}
}
