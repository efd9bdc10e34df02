package postgres

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"token-payment-reconciler/internal/storage"
)

// IngestionCursorStore is a PostgreSQL implementation of storage.IngestionCursorStore.
// The cursor lives in a single row of ingestion_cursor.
type IngestionCursorStore struct {
	pool *Pool
}

// NewIngestionCursorStore creates a new PostgreSQL cursor store.
func NewIngestionCursorStore(pool *Pool) *IngestionCursorStore {
	return &IngestionCursorStore{pool: pool}
}

// Compile-time interface check.
var _ storage.IngestionCursorStore = (*IngestionCursorStore)(nil)

// GetLastProcessed returns the saved cursor.
func (s *IngestionCursorStore) GetLastProcessed(ctx context.Context) (_ *storage.IngestionCursor, err error) {
	defer observe("cursor_get", time.Now(), &err)

	var (
		cursor storage.IngestionCursor
		block  int64
	)
	err = s.pool.QueryRow(ctx, `
		SELECT block_number, updated_at
		FROM ingestion_cursor
		WHERE id = 1
	`).Scan(&block, &cursor.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, "get ingestion cursor")
	}
	cursor.BlockNumber = uint64(block)
	return &cursor, nil
}

// SetLastProcessed saves the cursor. GREATEST keeps it from moving backwards.
func (s *IngestionCursorStore) SetLastProcessed(ctx context.Context, cursor *storage.IngestionCursor) (err error) {
	defer observe("cursor_set", time.Now(), &err)

	if cursor == nil {
		return storage.ErrInvalidInput
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_cursor (id, block_number, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET block_number = GREATEST(ingestion_cursor.block_number, EXCLUDED.block_number),
		    updated_at = CASE
		        WHEN EXCLUDED.block_number >= ingestion_cursor.block_number THEN EXCLUDED.updated_at
		        ELSE ingestion_cursor.updated_at
		    END
	`, int64(cursor.BlockNumber), cursor.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "set ingestion cursor")
	}
	return nil
}
