package ingest

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/keystone/internal/storage"
)

// classifyStoreError keeps the storage sentinels the HTTP layer maps to 404
// and 409, and folds everything else into ErrPersistence.
func classifyStoreError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInspectionClosed):
		return fmt.Errorf("ingest: %w", err)
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}
