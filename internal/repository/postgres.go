package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection.
// Used by kiosk deployments where a back-office host keeps the queue.
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		local_entity_id BIGINT NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		in_flight_at BIGINT,
		next_attempt_at BIGINT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		remote_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status_created ON sync_queue(status, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_kind, local_entity_id);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reference_collections (
		name TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		items TEXT NOT NULL,
		item_count INTEGER NOT NULL DEFAULT 0,
		fetched_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS local_entities (
		entity_kind TEXT NOT NULL,
		local_id BIGINT NOT NULL,
		remote_id TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (entity_kind, local_id)
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}
