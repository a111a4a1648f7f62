package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/possync/client/internal/models"
)

// ReferenceRepository stores reference collections as whole JSON documents
type ReferenceRepository struct {
	db *sql.DB
}

// NewReferenceRepository creates a new ReferenceRepository
func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// Replace overwrites the local copy of a collection
func (r *ReferenceRepository) Replace(ctx context.Context, c *models.ReferenceCollection) error {
	query := `INSERT INTO reference_collections (name, endpoint, items, item_count, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			items = EXCLUDED.items,
			item_count = EXCLUDED.item_count,
			fetched_at = EXCLUDED.fetched_at`

	_, err := r.db.ExecContext(ctx, query,
		c.Name,
		c.Endpoint,
		string(c.Items),
		c.ItemCount,
		toMillis(c.FetchedAt),
	)
	return err
}

// Get retrieves a collection by name
func (r *ReferenceRepository) Get(ctx context.Context, name string) (*models.ReferenceCollection, error) {
	var (
		c         models.ReferenceCollection
		items     string
		fetchedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT name, endpoint, items, item_count, fetched_at FROM reference_collections WHERE name = $1`,
		name,
	).Scan(&c.Name, &c.Endpoint, &items, &c.ItemCount, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Items = json.RawMessage(items)
	c.FetchedAt = fromMillis(fetchedAt)
	return &c, nil
}

// FetchedAt returns the last refresh time of every stored collection
func (r *ReferenceRepository) FetchedAt(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, fetched_at FROM reference_collections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var name string
		var ms int64
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, err
		}
		result[name] = fromMillis(ms)
	}
	return result, rows.Err()
}

// Touch marks a collection as fresh without rewriting its items (server said not modified)
func (r *ReferenceRepository) Touch(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE reference_collections SET fetched_at = $1 WHERE name = $2`,
		toMillis(at), name,
	)
	return err
}
