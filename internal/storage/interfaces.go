package storage

import (
	"context"
	"math/big"

	"token-payment-reconciler/internal/domain"
)

// PaymentStore persists PaymentRecords. Status transitions are conditional
// writes: implementations must apply them atomically per record.
type PaymentStore interface {
	// Create inserts a new record. Returns ErrDuplicateKey if the id exists.
	Create(ctx context.Context, p *domain.PaymentRecord) error

	// GetByID retrieves a record. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.PaymentRecord, error)

	// ClaimOldestPending atomically selects the oldest pending record with
	// exactly amountRaw and marks it detected by the Transfer log at
	// (txHash, logIndex), ordered by created_at then id. Concurrent claims
	// never return the same record. Returns ErrNotFound if nothing matches and
	// ErrDuplicateKey if that log is already attached to a record.
	ClaimOldestPending(ctx context.Context, amountRaw *big.Int, txHash string, logIndex uint, at int64) (*domain.PaymentRecord, error)

	// Resolve moves a detected record to confirmed or failed.
	// Returns ErrConflict if the record is not detected, ErrInvalidInput for
	// a non-terminal target, ErrNotFound if missing.
	Resolve(ctx context.Context, id string, to domain.PaymentStatus, at int64) error

	// ListByStatus returns records in the given status ordered by created_at, id.
	ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.PaymentRecord, error)
}

// TransferJournalStore is an append-only log of observed transfers and how
// they were handled.
type TransferJournalStore interface {
	// Append adds an entry. Returns ErrDuplicateKey if entry_id exists.
	Append(ctx context.Context, e *domain.JournalEntry) error

	// GetByTxHash retrieves entries for a transaction ordered by log_index.
	GetByTxHash(ctx context.Context, txHash string) ([]*domain.JournalEntry, error)

	// GetByBlockRange retrieves entries within [from, to] (inclusive),
	// ordered by block_number, log_index.
	GetByBlockRange(ctx context.Context, from, to uint64) ([]*domain.JournalEntry, error)
}
