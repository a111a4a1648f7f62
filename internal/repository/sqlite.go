package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Schema version tracked in PRAGMA user_version
const sqliteSchemaVersion = 1

// NewSQLiteDB creates and initializes the local SQLite database that holds the
// durable queue, sync metadata and reference data.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY between
	// the interceptor and sync workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Durable queue of mutations awaiting delivery
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		local_entity_id INTEGER NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		in_flight_at INTEGER,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		remote_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status_created ON sync_queue(status, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_kind, local_entity_id);

	-- Engine metadata (device id, last sync time)
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Reference collections served to offline reads
	CREATE TABLE IF NOT EXISTS reference_collections (
		name TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		items TEXT NOT NULL,
		item_count INTEGER NOT NULL DEFAULT 0,
		fetched_at INTEGER NOT NULL
	);

	-- Remote ids assigned to locally created records
	CREATE TABLE IF NOT EXISTS local_entities (
		entity_kind TEXT NOT NULL,
		local_id INTEGER NOT NULL,
		remote_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entity_kind, local_id)
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < sqliteSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
