package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/possync/client/internal/models"
)

// EntityRepository maps local record ids to server-assigned ids
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new EntityRepository
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// SetRemoteID records the id the server assigned to a local record
func (r *EntityRepository) SetRemoteID(ctx context.Context, kind models.EntityKind, localID int64, remoteID string) error {
	query := `INSERT INTO local_entities (entity_kind, local_id, remote_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_kind, local_id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query, string(kind), localID, remoteID, toMillis(time.Now()))
	return err
}

// GetRemoteID returns the server id of a local record, or "" when none is known yet
func (r *EntityRepository) GetRemoteID(ctx context.Context, kind models.EntityKind, localID int64) (string, error) {
	var remoteID string
	err := r.db.QueryRowContext(ctx,
		`SELECT remote_id FROM local_entities WHERE entity_kind = $1 AND local_id = $2`,
		string(kind), localID,
	).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return remoteID, err
}
