package postgres

import (
	"context"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
)

// PaymentStore implements storage.PaymentStore using PostgreSQL.
// Transitions are single conditional UPDATE statements, so the row lock
// taken by Postgres serializes concurrent writers per record.
type PaymentStore struct {
	pool *Pool
}

// NewPaymentStore creates a new PaymentStore.
func NewPaymentStore(pool *Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PaymentStore = (*PaymentStore)(nil)

const paymentColumns = `id, expected_amount_raw::text, status, tx_hash, log_index, created_at, updated_at`

// Create inserts a new record. Returns ErrDuplicateKey if the id exists.
func (s *PaymentStore) Create(ctx context.Context, p *domain.PaymentRecord) (err error) {
	defer observe("payment_create", time.Now(), &err)

	if p == nil || p.ID == "" || p.ExpectedAmountRaw == nil || p.ExpectedAmountRaw.Sign() < 0 || !p.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	var logIndex *int64
	if p.LogIndex != nil {
		v := int64(*p.LogIndex)
		logIndex = &v
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO payments (id, expected_amount_raw, status, tx_hash, log_index, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)
	`, p.ID, p.ExpectedAmountRaw.String(), string(p.Status), p.TxHash, logIndex, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert payment")
	}
	return nil
}

// GetByID retrieves a record. Returns ErrNotFound if not exists.
func (s *PaymentStore) GetByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	return s.getOne(ctx, "payment_get_by_id", `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = $1
	`, id)
}

// ClaimOldestPending selects and detects the oldest pending match in one
// statement. SKIP LOCKED lets concurrent claimers move past a row another
// transaction is already claiming instead of both claiming it.
func (s *PaymentStore) ClaimOldestPending(ctx context.Context, amountRaw *big.Int, txHash string, logIndex uint, at int64) (_ *domain.PaymentRecord, err error) {
	defer observe("payment_claim_oldest_pending", time.Now(), &err)

	if amountRaw == nil || txHash == "" {
		return nil, storage.ErrInvalidInput
	}

	var taken bool
	if err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM payments WHERE tx_hash = $1 AND log_index = $2)
	`, txHash, int64(logIndex)).Scan(&taken); err != nil {
		return nil, errors.Wrap(err, "check transfer log")
	}
	if taken {
		return nil, storage.ErrDuplicateKey
	}

	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id
			FROM payments
			WHERE status = 'pending' AND expected_amount_raw = $1::numeric
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payments p
		SET status = 'detected', tx_hash = $2, log_index = $3, updated_at = $4
		FROM candidate
		WHERE p.id = candidate.id
		RETURNING p.id, p.expected_amount_raw::text, p.status, p.tx_hash, p.log_index, p.created_at, p.updated_at
	`, amountRaw.String(), txHash, int64(logIndex), at)

	p, err := scanPayment(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		if isDuplicateKeyError(err) {
			return nil, storage.ErrDuplicateKey
		}
		return nil, errors.Wrap(err, "claim oldest pending payment")
	}
	return p, nil
}

// Resolve moves a detected record to confirmed or failed.
func (s *PaymentStore) Resolve(ctx context.Context, id string, to domain.PaymentStatus, at int64) (err error) {
	defer observe("payment_resolve", time.Now(), &err)

	if !to.IsTerminal() {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'detected'
	`, id, string(to), at)
	if err != nil {
		return errors.Wrap(err, "resolve payment")
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// ListByStatus returns records in status ordered by created_at, id.
func (s *PaymentStore) ListByStatus(ctx context.Context, status domain.PaymentStatus) (_ []*domain.PaymentRecord, err error) {
	defer observe("payment_list_by_status", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list payments by status")
	}
	defer rows.Close()

	var result []*domain.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payment")
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PaymentStore) getOne(ctx context.Context, operation, query string, args ...interface{}) (_ *domain.PaymentRecord, err error) {
	defer observe(operation, time.Now(), &err)

	p, err := scanPayment(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, errors.Wrap(err, operation)
	}
	return p, nil
}

// missOrConflict distinguishes a missing record from one in the wrong state
// after a conditional update touched no rows.
func (s *PaymentStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, "check payment exists")
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

func scanPayment(row pgx.Row) (*domain.PaymentRecord, error) {
	var (
		p        domain.PaymentRecord
		amount   string
		status   string
		logIndex *int64
	)
	if err := row.Scan(&p.ID, &amount, &status, &p.TxHash, &logIndex, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if logIndex != nil {
		v := uint(*logIndex)
		p.LogIndex = &v
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, errors.Errorf("payment %s: malformed amount %q", p.ID, amount)
	}
	p.ExpectedAmountRaw = v
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}
