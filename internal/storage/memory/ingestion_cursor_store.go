package memory

import (
	"context"
	"sync"

	"token-payment-reconciler/internal/storage"
)

// IngestionCursorStore is an in-memory implementation of storage.IngestionCursorStore.
type IngestionCursorStore struct {
	mu     sync.RWMutex
	cursor *storage.IngestionCursor
}

// NewIngestionCursorStore creates a new in-memory cursor store.
func NewIngestionCursorStore() *IngestionCursorStore {
	return &IngestionCursorStore{}
}

// Compile-time interface check.
var _ storage.IngestionCursorStore = (*IngestionCursorStore)(nil)

// GetLastProcessed returns the saved cursor.
func (s *IngestionCursorStore) GetLastProcessed(_ context.Context) (*storage.IngestionCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cursor == nil {
		return nil, storage.ErrNotFound
	}
	c := *s.cursor
	return &c, nil
}

// SetLastProcessed saves the cursor unless it would move backwards.
func (s *IngestionCursorStore) SetLastProcessed(_ context.Context, cursor *storage.IngestionCursor) error {
	if cursor == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor != nil && cursor.BlockNumber < s.cursor.BlockNumber {
		return nil
	}
	c := *cursor
	s.cursor = &c
	return nil
}
