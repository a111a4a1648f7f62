package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/possync/client/internal/repository"
)

// LoadDeviceID returns the stable per-installation id, creating and persisting
// one on first start.
func LoadDeviceID(ctx context.Context, meta repository.MetaRepo) (string, error) {
	id, err := meta.Get(ctx, repository.MetaKeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := meta.Set(ctx, repository.MetaKeyDeviceID, id); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}
