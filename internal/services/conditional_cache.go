package services

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
)

// ConditionalCache keeps the last good body and ETag of every cacheable GET
type ConditionalCache struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
	hits    atomic.Int64
	misses  atomic.Int64
	now     func() time.Time
	metrics *observability.SyncMetrics
}

// NewConditionalCache creates an empty cache
func NewConditionalCache(now func() time.Time, metrics *observability.SyncMetrics) *ConditionalCache {
	if now == nil {
		now = time.Now
	}
	return &ConditionalCache{
		entries: make(map[string]*models.CacheEntry),
		now:     now,
		metrics: metrics,
	}
}

// Before attaches If-None-Match to a GET that has a stored validator and
// reports whether it did.
func (c *ConditionalCache) Before(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	c.mu.RLock()
	entry := c.entries[models.CacheKey(req.Method, req.URL.String())]
	c.mu.RUnlock()
	if entry == nil || entry.Validator == "" {
		c.misses.Add(1)
		c.metrics.RecordCacheLookup(req.Context(), false)
		return false
	}
	req.Header.Set("If-None-Match", entry.Validator)
	return true
}

// After stores a cacheable response or drops a stale entry. Only 2xx GET
// responses carrying an ETag are stored.
func (c *ConditionalCache) After(ctx context.Context, method, url string, status int, header http.Header, body []byte) {
	if method != http.MethodGet || status < 200 || status >= 300 {
		return
	}
	key := models.CacheKey(method, url)
	validator := header.Get("ETag")

	c.mu.Lock()
	defer c.mu.Unlock()

	if validator == "" {
		delete(c.entries, key)
		return
	}
	c.entries[key] = &models.CacheEntry{
		Key:        key,
		Validator:  validator,
		Payload:    append([]byte(nil), body...),
		Header:     header.Clone(),
		StatusCode: status,
		StoredAt:   c.now().UTC(),
	}
}

// NotModified resolves a 304 for url. It returns the stored entry only when
// one exists and the server's validator (if it sent one) matches it.
func (c *ConditionalCache) NotModified(ctx context.Context, url string, header http.Header) (*models.CacheEntry, bool) {
	key := models.CacheKey(http.MethodGet, url)

	c.mu.Lock()
	entry := c.entries[key]
	if entry != nil {
		if v := header.Get("ETag"); v != "" && v != entry.Validator {
			entry = nil
		}
	}
	if entry != nil {
		now := c.now().UTC()
		entry.LastHitAt = &now
		entry.HitCount++
		entry = cloneEntry(entry)
	}
	c.mu.Unlock()

	if entry == nil {
		c.misses.Add(1)
		c.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.RecordCacheLookup(ctx, true)
	return entry, true
}

// Get returns a copy of the entry for a GET url
func (c *ConditionalCache) Get(url string) (*models.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[models.CacheKey(http.MethodGet, url)]
	if !ok {
		return nil, false
	}
	return cloneEntry(entry), true
}

// cloneEntry copies an entry so callers never share the stored body
func cloneEntry(entry *models.CacheEntry) *models.CacheEntry {
	cp := *entry
	cp.Payload = bytes.Clone(entry.Payload)
	cp.Header = entry.Header.Clone()
	if entry.LastHitAt != nil {
		t := *entry.LastHitAt
		cp.LastHitAt = &t
	}
	return &cp
}

// Invalidate removes one entry
func (c *ConditionalCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every GET entry whose url starts with urlPrefix
func (c *ConditionalCache) InvalidatePrefix(urlPrefix string) int {
	prefix := models.CacheKey(http.MethodGet, urlPrefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateAll empties the cache and returns how many entries were dropped
func (c *ConditionalCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*models.CacheEntry)
	return n
}

// Stats summarises cache usage
func (c *ConditionalCache) Stats() models.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := models.CacheStats{
		Entries: len(c.entries),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	for _, e := range c.entries {
		stats.Bytes += int64(len(e.Payload))
	}
	return stats
}
