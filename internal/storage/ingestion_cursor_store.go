package storage

import "context"

// IngestionCursor is the last block whose transfers were fully handed to the engine.
type IngestionCursor struct {
	BlockNumber uint64
	UpdatedAt   int64 // Unix timestamp in milliseconds
}

// IngestionCursorStore persists backfill progress so a restart resumes from
// the last processed block instead of rescanning from genesis.
type IngestionCursorStore interface {
	// GetLastProcessed returns the cursor. Returns ErrNotFound if none saved yet.
	GetLastProcessed(ctx context.Context) (*IngestionCursor, error)

	// SetLastProcessed saves the cursor. Moving it backwards is ignored.
	SetLastProcessed(ctx context.Context, cursor *IngestionCursor) error
}
