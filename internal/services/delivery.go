package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
)

// DeliveryEffects applies the local side effects of a mutation the server accepted,
// whether it was sent directly or replayed from the queue.
type DeliveryEffects struct {
	entities repository.EntityStore
	cache    *ConditionalCache
	urlFor   func(path string) string
}

// NewDeliveryEffects creates the effect applier. urlFor resolves a collection
// path to the absolute URL used as cache key prefix.
func NewDeliveryEffects(entities repository.EntityStore, cache *ConditionalCache, urlFor func(path string) string) *DeliveryEffects {
	return &DeliveryEffects{entities: entities, cache: cache, urlFor: urlFor}
}

// ResolveEndpoint substitutes the {remote_id} placeholder. known is a remote id
// learned earlier in the same run; otherwise the entity store is consulted.
func (d *DeliveryEffects) ResolveEndpoint(ctx context.Context, kind models.EntityKind, localID int64, endpoint, known string) (string, error) {
	if d == nil {
		d = &DeliveryEffects{}
	}
	if !strings.Contains(endpoint, models.RemoteIDPlaceholder) {
		return endpoint, nil
	}

	id := known
	if id == "" && localID > 0 && d.entities != nil {
		stored, err := d.entities.GetRemoteID(ctx, kind, localID)
		if err != nil {
			return "", fmt.Errorf("look up remote id: %w", err)
		}
		id = stored
	}
	if id == "" {
		return "", fmt.Errorf("%w for %s %d", ErrUnresolvedRemoteID, kind, localID)
	}
	return strings.ReplaceAll(endpoint, models.RemoteIDPlaceholder, url.PathEscape(id)), nil
}

// Delivered records a server-assigned id against the local record and drops
// cached listings of the mutated collection.
func (d *DeliveryEffects) Delivered(ctx context.Context, kind models.EntityKind, localID int64, op models.Operation, endpoint, remoteID string) {
	if d == nil {
		return
	}
	if remoteID != "" && localID > 0 && op != models.OperationDelete && d.entities != nil {
		if err := d.entities.SetRemoteID(ctx, kind, localID, remoteID); err != nil {
			observability.WithContext(ctx).Warnf("Failed to store remote id %s for %s %d: %v", remoteID, kind, localID, err)
		}
	}

	if d.cache != nil && d.urlFor != nil {
		if prefix := collectionPath(endpoint); prefix != "" {
			if n := d.cache.InvalidatePrefix(d.urlFor(prefix)); n > 0 {
				observability.Debugf("Invalidated %d cached response(s) under %s", n, prefix)
			}
		}
	}
}
