package repository

import (
	"context"
	"database/sql"
	"time"
)

const (
	MetaKeyDeviceID     = "device_id"
	MetaKeyLastSyncTime = "last_sync_time"
)

// SyncMetaRepository implements MetaRepo
type SyncMetaRepository struct {
	db *sql.DB
}

// NewSyncMetaRepository creates a new SyncMetaRepository
func NewSyncMetaRepository(db *sql.DB) *SyncMetaRepository {
	return &SyncMetaRepository{db: db}
}

func (r *SyncMetaRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SyncMetaRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO sync_meta (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3
	`
	_, err := r.db.ExecContext(ctx, query, key, value, toMillis(time.Now()))
	return err
}

func (r *SyncMetaRepository) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM sync_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// Delete removes a key; missing keys are not an error
func (r *SyncMetaRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = $1`, key)
	return err
}
