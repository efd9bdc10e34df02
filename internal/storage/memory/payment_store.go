package memory

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
)

// PaymentStore is an in-memory implementation of storage.PaymentStore.
// A single mutex serializes every transition, which makes each conditional
// write atomic per record.
type PaymentStore struct {
	mu         sync.RWMutex
	data       map[string]*domain.PaymentRecord // keyed by id
	byTransfer map[string]string                // tx_hash|log_index -> id
}

// NewPaymentStore creates a new in-memory payment store.
func NewPaymentStore() *PaymentStore {
	return &PaymentStore{
		data:       make(map[string]*domain.PaymentRecord),
		byTransfer: make(map[string]string),
	}
}

// Compile-time interface check.
var _ storage.PaymentStore = (*PaymentStore)(nil)

// Create inserts a new record. Returns ErrDuplicateKey if the id exists.
func (s *PaymentStore) Create(_ context.Context, p *domain.PaymentRecord) error {
	if p == nil || p.ID == "" || p.ExpectedAmountRaw == nil || !p.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if p.TxHash != nil {
		var idx uint
		if p.LogIndex != nil {
			idx = *p.LogIndex
		}
		k := transferKey(*p.TxHash, idx)
		if _, taken := s.byTransfer[k]; taken {
			return storage.ErrDuplicateKey
		}
		s.byTransfer[k] = p.ID
	}

	s.data[p.ID] = p.Clone()
	return nil
}

// GetByID retrieves a record. Returns ErrNotFound if not exists.
func (s *PaymentStore) GetByID(_ context.Context, id string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// ClaimOldestPending selects and detects the oldest pending match under one lock.
func (s *PaymentStore) ClaimOldestPending(_ context.Context, amountRaw *big.Int, txHash string, logIndex uint, at int64) (*domain.PaymentRecord, error) {
	if amountRaw == nil || txHash == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := transferKey(txHash, logIndex)
	if _, taken := s.byTransfer[k]; taken {
		return nil, storage.ErrDuplicateKey
	}

	p := s.oldestPendingLocked(amountRaw)
	if p == nil {
		return nil, storage.ErrNotFound
	}

	h, idx := txHash, logIndex
	p.Status = domain.PaymentDetected
	p.TxHash = &h
	p.LogIndex = &idx
	p.UpdatedAt = at
	s.byTransfer[k] = p.ID
	return p.Clone(), nil
}

// Resolve moves a detected record to confirmed or failed.
func (s *PaymentStore) Resolve(_ context.Context, id string, to domain.PaymentStatus, at int64) error {
	if !to.IsTerminal() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != domain.PaymentDetected {
		return storage.ErrConflict
	}

	p.Status = to
	p.UpdatedAt = at
	return nil
}

// ListByStatus returns records in status ordered by created_at, id.
func (s *PaymentStore) ListByStatus(_ context.Context, status domain.PaymentStatus) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PaymentRecord
	for _, p := range s.data {
		if p.Status == status {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return fifoLess(result[i], result[j])
	})
	return result, nil
}

func (s *PaymentStore) oldestPendingLocked(amountRaw *big.Int) *domain.PaymentRecord {
	var oldest *domain.PaymentRecord
	for _, p := range s.data {
		if p.Status != domain.PaymentPending || p.ExpectedAmountRaw.Cmp(amountRaw) != 0 {
			continue
		}
		if oldest == nil || fifoLess(p, oldest) {
			oldest = p
		}
	}
	return oldest
}

func transferKey(txHash string, logIndex uint) string {
	return strings.ToLower(txHash) + "|" + strconv.FormatUint(uint64(logIndex), 10)
}

// fifoLess orders records by creation time, then id.
func fifoLess(a, b *domain.PaymentRecord) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
