package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
)

// TransferJournalStore implements storage.TransferJournalStore using ClickHouse.
// MergeTree does not enforce uniqueness, so Append checks entry_id first.
// The table is a ReplacingMergeTree keyed on entry_id, which collapses any
// row that slips past the check under concurrent writers.
type TransferJournalStore struct {
	conn *Conn
}

// NewTransferJournalStore creates a new TransferJournalStore.
func NewTransferJournalStore(conn *Conn) *TransferJournalStore {
	return &TransferJournalStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TransferJournalStore = (*TransferJournalStore)(nil)

const journalColumns = `entry_id, tx_hash, log_index, block_number, from_address, to_address, value_raw, disposition, payment_id, observed_at`

// Append adds an entry. Returns ErrDuplicateKey if entry_id exists.
func (s *TransferJournalStore) Append(ctx context.Context, e *domain.JournalEntry) (err error) {
	defer observe("journal_append", time.Now(), &err)

	if e == nil || e.EntryID == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, e.EntryID)
	if err != nil {
		return errors.Wrap(err, "check exists")
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO transfer_journal (`+journalColumns+`)`)
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}

	err = batch.Append(
		e.EntryID, e.TxHash, uint32(e.LogIndex), e.BlockNumber,
		e.From, e.To, e.ValueRaw, string(e.Disposition), e.PaymentID, e.ObservedAt,
	)
	if err != nil {
		return errors.Wrap(err, "append to batch")
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "send batch")
	}
	return nil
}

// GetByTxHash retrieves entries for a transaction ordered by log_index.
func (s *TransferJournalStore) GetByTxHash(ctx context.Context, txHash string) (_ []*domain.JournalEntry, err error) {
	defer observe("journal_get_by_tx_hash", time.Now(), &err)

	rows, err := s.conn.Query(ctx, `
		SELECT `+journalColumns+`
		FROM transfer_journal FINAL
		WHERE tx_hash = ?
		ORDER BY block_number ASC, log_index ASC
	`, txHash)
	if err != nil {
		return nil, errors.Wrap(err, "query by tx hash")
	}
	defer rows.Close()

	return scanJournal(rows)
}

// GetByBlockRange retrieves entries within [from, to] (inclusive).
func (s *TransferJournalStore) GetByBlockRange(ctx context.Context, from, to uint64) (_ []*domain.JournalEntry, err error) {
	defer observe("journal_get_by_block_range", time.Now(), &err)

	rows, err := s.conn.Query(ctx, `
		SELECT `+journalColumns+`
		FROM transfer_journal FINAL
		WHERE block_number >= ? AND block_number <= ?
		ORDER BY block_number ASC, log_index ASC
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "query by block range")
	}
	defer rows.Close()

	return scanJournal(rows)
}

func (s *TransferJournalStore) exists(ctx context.Context, entryID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM transfer_journal WHERE entry_id = ?`, entryID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanJournal(rows driver.Rows) ([]*domain.JournalEntry, error) {
	var result []*domain.JournalEntry
	for rows.Next() {
		var (
			e           domain.JournalEntry
			logIndex    uint32
			disposition string
		)
		err := rows.Scan(
			&e.EntryID, &e.TxHash, &logIndex, &e.BlockNumber,
			&e.From, &e.To, &e.ValueRaw, &disposition, &e.PaymentID, &e.ObservedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		e.LogIndex = uint(logIndex)
		e.Disposition = domain.Disposition(disposition)
		result = append(result, &e)
	}
	return result, rows.Err()
}
