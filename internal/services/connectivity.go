package services

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/possync/client/internal/observability"
)

// Connectivity is the process-wide online flag. Concurrent setters race
// harmlessly: the last write wins and listeners only fire on a real change.
type Connectivity struct {
	online    atomic.Bool
	mu        sync.Mutex
	listeners []func(online bool)
}

// NewConnectivity creates the flag with an initial value
func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{}
	c.online.Store(online)
	return c
}

// IsOnline returns the current value
func (c *Connectivity) IsOnline() bool {
	return c.online.Load()
}

// Set flips the flag and notifies listeners when the value changed.
// Returns whether it changed.
func (c *Connectivity) Set(online bool) bool {
	if c.online.Swap(online) == online {
		return false
	}

	c.mu.Lock()
	listeners := make([]func(bool), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	observability.Infof("Connectivity changed: online=%t", online)
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers a listener for transitions
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// HealthChecker periodically checks that the remote API answers at all and
// feeds the result into the same flag the OS transition events use.
type HealthChecker struct {
	conn     *Connectivity
	client   *http.Client
	url      string
	interval time.Duration
}

// NewHealthChecker creates a checker against baseURL+healthPath
func NewHealthChecker(conn *Connectivity, transport http.RoundTripper, baseURL, healthPath string, interval, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		conn:     conn,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		url:      strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(healthPath, "/"),
		interval: interval,
	}
}

// Check performs one request. Any HTTP response counts as reachable.
func (p *HealthChecker) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		observability.Debugf("Connectivity check failed: %v", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Run checks until ctx is cancelled. A zero interval disables checks.
func (p *HealthChecker) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.conn.Set(p.Check(ctx))
		}
	}
}
