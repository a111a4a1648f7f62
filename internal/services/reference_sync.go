package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
)

// ReferenceSyncOptions configures a ReferenceSynchronizer
type ReferenceSyncOptions struct {
	Client      RemoteDoer
	Repo        repository.ReferenceRepo
	Collections map[string]string // name -> endpoint
	Freshness   time.Duration
	// MaxTries per collection; transient failures are retried with exponential backoff
	MaxTries     uint
	RetryInitial time.Duration
	Parallelism  int
	Now          func() time.Time
}

// ReferenceSynchronizer pulls read-mostly collections into local storage so
// offline reads have data to serve. It never touches the queue.
type ReferenceSynchronizer struct {
	client       RemoteDoer
	repo         repository.ReferenceRepo
	collections  map[string]string
	freshness    time.Duration
	maxTries     uint
	retryInitial time.Duration
	parallelism  int
	now          func() time.Time
	logger       *observability.Logger
}

// NewReferenceSynchronizer creates a ReferenceSynchronizer
func NewReferenceSynchronizer(opts ReferenceSyncOptions) *ReferenceSynchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 2
	}
	return &ReferenceSynchronizer{
		client:       opts.Client,
		repo:         opts.Repo,
		collections:  opts.Collections,
		freshness:    opts.Freshness,
		maxTries:     opts.MaxTries,
		retryInitial: opts.RetryInitial,
		parallelism:  opts.Parallelism,
		now:          opts.Now,
		logger:       observability.WithField("component", "reference_sync"),
	}
}

// NeedsInitialSync reports whether any configured collection is missing or stale
func (s *ReferenceSynchronizer) NeedsInitialSync(ctx context.Context) (bool, error) {
	fetched, err := s.repo.FetchedAt(ctx)
	if err != nil {
		return false, err
	}
	now := s.now()
	for name := range s.collections {
		at, ok := fetched[name]
		if !ok {
			return true, nil
		}
		if s.freshness > 0 && now.Sub(at) > s.freshness {
			return true, nil
		}
	}
	return false, nil
}

// SyncAll refreshes every configured collection. Per-collection failures are
// reported in the result; the error is only set when ctx was cancelled.
func (s *ReferenceSynchronizer) SyncAll(ctx context.Context) (*models.ReferenceSyncResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "reference_sync", "sync_all")
	defer span.End()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu     sync.Mutex
		result = &models.ReferenceSyncResult{Refreshed: []string{}, Unchanged: []string{}}
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.parallelism)
	for _, name := range names {
		eg.Go(func() error {
			unchanged, err := s.syncOne(egCtx, name, s.collections[name])

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[name] = err.Error()
			case unchanged:
				result.Unchanged = append(result.Unchanged, name)
			default:
				result.Refreshed = append(result.Refreshed, name)
			}
			return nil
		})
	}
	_ = eg.Wait()

	sort.Strings(result.Refreshed)
	sort.Strings(result.Unchanged)
	result.Success = len(result.Errors) == 0

	if err := ctx.Err(); err != nil {
		observability.RecordError(span, err)
		return result, err
	}
	if !result.Success {
		s.logger.Warnf("Reference sync finished with errors: %v", result.Errors)
	} else {
		s.logger.Infof("Reference sync complete: %d refreshed, %d unchanged", len(result.Refreshed), len(result.Unchanged))
	}
	return result, nil
}

// syncOne pulls one collection. unchanged is true when the server answered
// "not modified" and the stored copy was only marked fresh.
func (s *ReferenceSynchronizer) syncOne(ctx context.Context, name, endpoint string) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial

	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		resp, err := s.client.Do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			if IsNetworkError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if remoteErr := resp.Err(); remoteErr != nil {
			if IsRetryableStatus(resp.StatusCode) {
				return nil, remoteErr
			}
			return nil, backoff.Permanent(remoteErr)
		}
		return resp, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	if resp.FromCache {
		existing, err := s.repo.Get(ctx, name)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return true, s.repo.Touch(ctx, name, now)
		}
	}

	items, count, err := extractItems(resp.Body)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return false, s.repo.Replace(ctx, &models.ReferenceCollection{
		Name:      name,
		Endpoint:  endpoint,
		Items:     items,
		ItemCount: count,
		FetchedAt: now,
	})
}

// extractItems accepts a bare JSON array or an envelope {"data": [...]}
func extractItems(body []byte) (json.RawMessage, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, errors.New("empty body")
	}

	raw := json.RawMessage(trimmed)
	if trimmed[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, 0, err
		}
		if len(envelope.Data) == 0 {
			return nil, 0, errors.New("response has no data array")
		}
		raw = envelope.Data
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, err
	}
	return raw, len(items), nil
}
