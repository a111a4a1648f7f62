package models

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a queue entry replays
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// EntityKind identifies the local record type a mutation targets
type EntityKind string

const (
	EntitySale          EntityKind = "sale"
	EntityPurchase      EntityKind = "purchase"
	EntityExpense       EntityKind = "expense"
	EntityIncome        EntityKind = "income"
	EntityDueCollection EntityKind = "due_collection"
	EntityProduct       EntityKind = "product"
	EntityParty         EntityKind = "party"
	EntityStock         EntityKind = "stock"
)

// QueueableKinds lists every entity kind the interceptor may queue
var QueueableKinds = []EntityKind{
	EntitySale, EntityPurchase, EntityExpense, EntityIncome,
	EntityDueCollection, EntityProduct, EntityParty, EntityStock,
}

// IsQueueable reports whether mutations of this kind can be deferred
func (k EntityKind) IsQueueable() bool {
	for _, q := range QueueableKinds {
		if q == k {
			return true
		}
	}
	return false
}

// QueueStatus is the delivery state of a queue entry
type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusInFlight QueueStatus = "in_flight"
	QueueStatusSuccess  QueueStatus = "success"
	QueueStatusFailed   QueueStatus = "failed"
	QueueStatusConflict QueueStatus = "conflict"
)

// IsTerminal reports whether no automatic delivery will be attempted again
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSuccess || s == QueueStatusFailed || s == QueueStatusConflict
}

// Valid reports whether s is a known status
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusInFlight, QueueStatusSuccess, QueueStatusFailed, QueueStatusConflict:
		return true
	}
	return false
}

// DefaultMaxAttempts is used when an entry is enqueued without an explicit ceiling
const DefaultMaxAttempts = 5

// RemoteIDPlaceholder in an endpoint is replaced with the entity's remote id at replay time
const RemoteIDPlaceholder = "{remote_id}"

// QueueEntry is one durable record of a mutation awaiting delivery
type QueueEntry struct {
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	EntityKind    EntityKind      `json:"entityKind"`
	LocalEntityID int64           `json:"localEntityId"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	Status        QueueStatus     `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	InFlightAt    *time.Time      `json:"inFlightAt,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	RemoteID      string          `json:"remoteId,omitempty"`
}

// NewQueueEntry creates a pending entry with a fresh id
func NewQueueEntry(op Operation, kind EntityKind, localID int64, method, endpoint string, payload json.RawMessage, now time.Time) (*QueueEntry, error) {
	if !kind.IsQueueable() {
		return nil, ErrUnknownEntityKind
	}
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return nil, ErrUnknownOperation
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, ErrEmptyEndpoint
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if OperationForMethod(method) == "" {
		return nil, ErrInvalidMethod
	}
	if localID < 0 {
		return nil, ErrInvalidLocalID
	}

	now = now.UTC()
	return &QueueEntry{
		ID:            uuid.New().String(),
		Operation:     op,
		EntityKind:    kind,
		LocalEntityID: localID,
		Endpoint:      endpoint,
		Method:        method,
		Payload:       payload,
		MaxAttempts:   DefaultMaxAttempts,
		Status:        QueueStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// GroupKey identifies the ordering group of an entry. Entries without a local
// record cannot depend on each other and get a group of their own.
func (e *QueueEntry) GroupKey() string {
	if e.LocalEntityID == 0 {
		return string(e.EntityKind) + ":entry:" + e.ID
	}
	return string(e.EntityKind) + ":" + strconv.FormatInt(e.LocalEntityID, 10)
}

// CanRetry reports whether another delivery attempt is allowed
func (e *QueueEntry) CanRetry() bool {
	return e.Attempts < e.MaxAttempts
}

// OperationForMethod maps an HTTP mutation verb onto a queue operation.
// Returns "" for methods that are never queued.
func OperationForMethod(method string) Operation {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return OperationCreate
	case http.MethodPut, http.MethodPatch:
		return OperationUpdate
	case http.MethodDelete:
		return OperationDelete
	}
	return ""
}

// QueueError is returned when a queue entry fails validation
type QueueError struct {
	Message string
}

func (e QueueError) Error() string {
	return e.Message
}

var (
	ErrUnknownEntityKind = QueueError{"entity kind is not queueable"}
	ErrUnknownOperation  = QueueError{"operation must be CREATE, UPDATE or DELETE"}
	ErrEmptyEndpoint     = QueueError{"endpoint cannot be empty"}
	ErrInvalidMethod     = QueueError{"method must be POST, PUT, PATCH or DELETE"}
	ErrInvalidLocalID    = QueueError{"local entity id cannot be negative"}
	ErrEntryNotFound     = QueueError{"queue entry not found"}
)
