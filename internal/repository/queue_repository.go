package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/possync/client/internal/models"
)

// ErrNotInFlight is returned when a result is recorded for an entry that was never claimed
var ErrNotInFlight = errors.New("queue entry is not in flight")

// ErrNotRetryable is returned when a manual retry targets an entry that is not failed or in conflict
var ErrNotRetryable = errors.New("queue entry is not failed or in conflict")

const queueColumns = `id, operation, entity_kind, local_entity_id, endpoint, method, payload,
	attempts, max_attempts, status, created_at, updated_at, in_flight_at, next_attempt_at,
	last_error, remote_id`

// ResultUpdate is the outcome of one delivery attempt
type ResultUpdate struct {
	Status        models.QueueStatus
	Attempts      int
	LastError     string
	RemoteID      string
	NextAttemptAt time.Time
}

// QueueRepository implements QueueRepo on the sync_queue table
type QueueRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueueRepository creates a new QueueRepository
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db, now: time.Now}
}

// SetClock replaces the time source used for claim and recovery timestamps
func (r *QueueRepository) SetClock(now func() time.Time) {
	r.now = now
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Enqueue appends an entry and returns its id
func (r *QueueRepository) Enqueue(ctx context.Context, entry *models.QueueEntry) (string, error) {
	if entry.MaxAttempts <= 0 {
		entry.MaxAttempts = models.DefaultMaxAttempts
	}
	if entry.Status == "" {
		entry.Status = models.QueueStatusPending
	}

	query := `INSERT INTO sync_queue (id, operation, entity_kind, local_entity_id, endpoint, method, payload,
		attempts, max_attempts, status, created_at, updated_at, next_attempt_at, last_error, remote_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Operation),
		string(entry.EntityKind),
		entry.LocalEntityID,
		entry.Endpoint,
		entry.Method,
		string(entry.Payload),
		entry.Attempts,
		entry.MaxAttempts,
		string(entry.Status),
		toMillis(entry.CreatedAt),
		toMillis(entry.UpdatedAt),
		toMillis(entry.NextAttemptAt),
		entry.LastError,
		entry.RemoteID,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", entry.ID, err)
	}
	return entry.ID, nil
}

// GetByID retrieves an entry by id
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListByStatus returns entries with the given status in creation order
func (r *QueueRepository) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = $1 ORDER BY created_at ASC, seq ASC`
	return r.query(ctx, query, string(status))
}

// List returns up to limit entries, newest first. An empty status lists all entries.
func (r *QueueRepository) List(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		query := `SELECT ` + queueColumns + ` FROM sync_queue ORDER BY created_at DESC, seq DESC LIMIT $1`
		return r.query(ctx, query, limit)
	}
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE status = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`
	return r.query(ctx, query, string(status), limit)
}

func (r *QueueRepository) query(ctx context.Context, query string, args ...any) ([]*models.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkInFlight claims pending entries for delivery. Entries already claimed or
// no longer pending are skipped; the returned ids are the ones this caller owns.
func (r *QueueRepository) MarkInFlight(ctx context.Context, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := toMillis(r.now())
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'in_flight', in_flight_at = $1, updated_at = $1
			WHERE id = $2 AND status = 'pending'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkResult records the outcome of a delivery attempt on a claimed entry.
// A non-empty RemoteID overwrites the stored one.
func (r *QueueRepository) MarkResult(ctx context.Context, id string, update ResultUpdate) error {
	if !update.Status.Valid() || update.Status == models.QueueStatusInFlight {
		return fmt.Errorf("invalid result status %q", update.Status)
	}

	next := update.NextAttemptAt
	if next.IsZero() {
		next = r.now()
	}

	query := `UPDATE sync_queue SET
			status = $1,
			last_error = $2,
			remote_id = COALESCE(NULLIF($3, ''), remote_id),
			attempts = $4,
			next_attempt_at = $5,
			updated_at = $6,
			in_flight_at = NULL
		WHERE id = $7 AND status = 'in_flight'`

	res, err := r.db.ExecContext(ctx, query,
		string(update.Status),
		update.LastError,
		update.RemoteID,
		update.Attempts,
		toMillis(next),
		toMillis(r.now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark result %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotInFlight)
	}
	return nil
}

// CountByStatus counts entries with the given status
func (r *QueueRepository) CountByStatus(ctx context.Context, status models.QueueStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = $1`, string(status)).Scan(&count)
	return count, err
}

// CountOpenForEntity counts pending or in-flight entries targeting one local record
func (r *QueueRepository) CountOpenForEntity(ctx context.Context, kind models.EntityKind, localID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue
		WHERE entity_kind = $1 AND local_entity_id = $2 AND status IN ('pending', 'in_flight')`,
		string(kind), localID,
	).Scan(&count)
	return count, err
}

// Stats counts entries per status
func (r *QueueRepository) Stats(ctx context.Context) (map[models.QueueStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[models.QueueStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[models.QueueStatus(status)] = count
	}
	return stats, rows.Err()
}

// RecoverStaleInFlight reverts entries claimed longer ago than olderThan back to pending.
// Attempts are left untouched: the interrupted call may or may not have reached the server.
func (r *QueueRepository) RecoverStaleInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.now()
	cutoff := toMillis(now.Add(-olderThan))
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', in_flight_at = NULL, updated_at = $1
		WHERE status = 'in_flight' AND (in_flight_at IS NULL OR in_flight_at <= $2)`,
		toMillis(now), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale in-flight: %w", err)
	}
	return res.RowsAffected()
}

// ResetForRetry moves a failed or conflicting entry back to pending with a fresh attempt budget
func (r *QueueRepository) ResetForRetry(ctx context.Context, id string) error {
	now := toMillis(r.now())
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', attempts = 0, last_error = '',
			next_attempt_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('failed', 'conflict')`,
		now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrEntryNotFound
		}
		return ErrNotRetryable
	}
	return nil
}

// Delete removes an entry. In-flight entries cannot be deleted.
func (r *QueueRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = $1 AND status <> 'in_flight'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeSucceeded deletes delivered entries last updated before now-olderThan
func (r *QueueRepository) PurgeSucceeded(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toMillis(r.now().Add(-olderThan))
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'success' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.QueueEntry, error) {
	var (
		e                               models.QueueEntry
		operation, kind, status         string
		payload                         string
		createdAt, updatedAt, nextDueAt int64
		inFlightAt                      sql.NullInt64
	)

	err := row.Scan(
		&e.ID,
		&operation,
		&kind,
		&e.LocalEntityID,
		&e.Endpoint,
		&e.Method,
		&payload,
		&e.Attempts,
		&e.MaxAttempts,
		&status,
		&createdAt,
		&updatedAt,
		&inFlightAt,
		&nextDueAt,
		&e.LastError,
		&e.RemoteID,
	)
	if err != nil {
		return nil, err
	}

	e.Operation = models.Operation(operation)
	e.EntityKind = models.EntityKind(kind)
	e.Status = models.QueueStatus(status)
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	e.NextAttemptAt = fromMillis(nextDueAt)
	if inFlightAt.Valid {
		t := fromMillis(inFlightAt.Int64)
		e.InFlightAt = &t
	}
	return &e, nil
}
