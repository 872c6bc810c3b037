package storage

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := Open(Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsOnce(t *testing.T) {
	dir := t.TempDir()
	log := logging.Component(logging.New(), "test")

	db, err := Open(Config{DataDir: dir}, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var count int
	if err := db.Raw().QueryRow(`SELECT COUNT(*) FROM migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", count)
	}
	db.Close()

	// Reopening against the same directory must not re-apply or fail.
	db2, err := Open(Config{DataDir: dir}, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	var count2 int
	if err := db2.Raw().QueryRow(`SELECT COUNT(*) FROM migrations`).Scan(&count2); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count2 != 2 {
		t.Fatalf("expected migrations to stay at 2 after reopen, got %d", count2)
	}
}

func TestPrepareCachesStatementByQueryText(t *testing.T) {
	db := newTestDB(t)
	const q = `SELECT COUNT(*) FROM observations`
	s1, err := db.Prepare(q)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	s2, err := db.Prepare(q)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same cached *sql.Stmt for identical query text")
	}
}

func TestRebuildFTSLeavesIndexQueryable(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Raw().Exec(`
		INSERT INTO observations (id, project_hash, session_id, title, content, source, kind, classification, normalized_hash, created_at, updated_at)
		VALUES ('o1', 'proj-a', 's1', 'title', 'some searchable content', 'manual', 'finding', 'unclassified', 'hash1', datetime('now'), datetime('now'))`); err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	if err := db.RebuildFTS(); err != nil {
		t.Fatalf("rebuild fts: %v", err)
	}
	var n int
	if err := db.Raw().QueryRow(`SELECT COUNT(*) FROM observations_fts WHERE observations_fts MATCH 'searchable'`).Scan(&n); err != nil {
		t.Fatalf("query fts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected rebuilt fts index to find the seeded row, got %d", n)
	}
}
