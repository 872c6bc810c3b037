// Package storage owns the embedded SQLite database and every derived
// index: the schema, versioned migrations, FTS synchronization triggers,
// and a small prepared-statement cache reused on every hot path.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/memengine/internal/apperr"

	_ "modernc.org/sqlite"
)

// Config controls where and how the database is opened.
type Config struct {
	DataDir string
}

// DB wraps the SQLite handle with write-ahead logging enabled and a
// prepared-statement cache keyed by query text.
type DB struct {
	sql *sql.DB
	log *logrus.Entry

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

// Open creates the data directory if needed, opens the database with WAL
// enabled, and runs every pending migration transactionally.
func Open(cfg Config, log *logrus.Entry) (*DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", apperr.ErrStorageOpen, err)
	}

	path := filepath.Join(cfg.DataDir, "memengine.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrStorageOpen, err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%w: pragma %q: %v", apperr.ErrStorageOpen, p, err)
		}
	}

	db := &DB{sql: sqlDB, log: log, stmts: make(map[string]*sql.Stmt)}
	if err := db.runMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, stmt := range db.stmts {
		stmt.Close()
	}
	return db.sql.Close()
}

// Raw exposes the underlying *sql.DB for components that need transactions
// spanning multiple prepared operations.
func (db *DB) Raw() *sql.DB { return db.sql }

// Prepare returns a cached prepared statement for query, preparing it once
// per opened handle.
func (db *DB) Prepare(query string) (*sql.Stmt, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if stmt, ok := db.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := db.sql.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare: %v", apperr.ErrStorageOpen, err)
	}
	db.stmts[query] = stmt
	return stmt, nil
}

// migrations is the ordered, idempotent list of schema changes. Each entry
// is applied inside its own transaction and recorded in the migrations
// bookkeeping table; a failure leaves the prior schema intact.
var migrations = []struct {
	name string
	sql  string
}{
	{"0001_core_schema", schemaCoreV1},
	{"0002_fts_triggers", schemaFTSTriggers},
}

func (db *DB) runMigrations() error {
	if _, err := db.sql.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			name        TEXT PRIMARY KEY,
			applied_at  TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`); err != nil {
		return fmt.Errorf("%w: bookkeeping table: %v", apperr.ErrMigration, err)
	}

	for _, m := range migrations {
		var applied string
		err := db.sql.QueryRow(`SELECT name FROM migrations WHERE name = ?`, m.name).Scan(&applied)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("%w: check %s: %v", apperr.ErrMigration, m.name, err)
		}

		tx, err := db.sql.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin %s: %v", apperr.ErrMigration, m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: apply %s: %v", apperr.ErrMigration, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (name) VALUES (?)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: record %s: %v", apperr.ErrMigration, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit %s: %v", apperr.ErrMigration, m.name, err)
		}
		db.log.WithField("migration", m.name).Info("applied migration")
	}
	return nil
}

// RebuildFTS drops the sync triggers, rebuilds the FTS index, and
// reinstalls triggers. Callers use this around administrative bulk
// deletes where per-row triggers would be needlessly slow.
func (db *DB) RebuildFTS() error {
	stmts := []string{
		`DROP TRIGGER IF EXISTS obs_fts_insert`,
		`DROP TRIGGER IF EXISTS obs_fts_update`,
		`DROP TRIGGER IF EXISTS obs_fts_delete`,
		`INSERT INTO observations_fts(observations_fts) VALUES ('rebuild')`,
		schemaFTSTriggers,
	}
	for _, s := range stmts {
		if _, err := db.sql.Exec(s); err != nil {
			return fmt.Errorf("%w: rebuild fts: %v", apperr.ErrIntegrity, err)
		}
	}
	return nil
}
