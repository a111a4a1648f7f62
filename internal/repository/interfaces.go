package repository

import (
	"context"
	"time"

	"github.com/possync/client/internal/models"
)

// QueueRepo defines the durable queue operations used by the interceptor and orchestrator
type QueueRepo interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) (string, error)
	GetByID(ctx context.Context, id string) (*models.QueueEntry, error)
	ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error)
	List(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueEntry, error)
	MarkInFlight(ctx context.Context, ids ...string) ([]string, error)
	MarkResult(ctx context.Context, id string, update ResultUpdate) error
	CountByStatus(ctx context.Context, status models.QueueStatus) (int, error)
	CountOpenForEntity(ctx context.Context, kind models.EntityKind, localID int64) (int, error)
	Stats(ctx context.Context) (map[models.QueueStatus]int, error)
	RecoverStaleInFlight(ctx context.Context, olderThan time.Duration) (int64, error)
	ResetForRetry(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (bool, error)
	PurgeSucceeded(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MetaRepo stores engine metadata as key/value pairs
type MetaRepo interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) (map[string]string, error)
}

// ReferenceRepo stores pulled reference collections
type ReferenceRepo interface {
	Replace(ctx context.Context, collection *models.ReferenceCollection) error
	Get(ctx context.Context, name string) (*models.ReferenceCollection, error)
	FetchedAt(ctx context.Context) (map[string]time.Time, error)
	Touch(ctx context.Context, name string, at time.Time) error
}

// EntityStore records the remote ids assigned to locally created records
type EntityStore interface {
	SetRemoteID(ctx context.Context, kind models.EntityKind, localID int64, remoteID string) error
	GetRemoteID(ctx context.Context, kind models.EntityKind, localID int64) (string, error)
}
