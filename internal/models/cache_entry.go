package models

import (
	"net/http"
	"time"
)

// CacheEntry is the last known good response for a conditional GET
type CacheEntry struct {
	Key        string      `json:"key"`
	Validator  string      `json:"validator"`
	Payload    []byte      `json:"-"`
	Header     http.Header `json:"-"`
	StatusCode int         `json:"statusCode"`
	StoredAt   time.Time   `json:"storedAt"`
	LastHitAt  *time.Time  `json:"lastHitAt,omitempty"`
	HitCount   int         `json:"hitCount"`
}

// CacheKey builds the canonical request signature. Only GET requests are cacheable.
func CacheKey(method, fullURL string) string {
	return method + " " + fullURL
}

// CacheStats summarises conditional cache usage
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Bytes   int64 `json:"bytes"`
}
