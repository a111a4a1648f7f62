package models

import (
	"encoding/json"
	"time"
)

// ReferenceCollection is the local copy of a read-mostly server collection
type ReferenceCollection struct {
	Name      string          `json:"name"`
	Endpoint  string          `json:"endpoint"`
	Items     json.RawMessage `json:"items"`
	ItemCount int             `json:"itemCount"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// ReferenceSyncResult is returned by a reference data pull
type ReferenceSyncResult struct {
	Success   bool              `json:"success"`
	Refreshed []string          `json:"refreshed"`
	Unchanged []string          `json:"unchanged"`
	Errors    map[string]string `json:"errors,omitempty"`
}
