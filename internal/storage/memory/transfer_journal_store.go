package memory

import (
	"context"
	"sort"
	"sync"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
)

// TransferJournalStore is an in-memory implementation of storage.TransferJournalStore.
type TransferJournalStore struct {
	mu   sync.RWMutex
	data map[string]*domain.JournalEntry // keyed by entry_id
}

// NewTransferJournalStore creates a new in-memory journal.
func NewTransferJournalStore() *TransferJournalStore {
	return &TransferJournalStore{
		data: make(map[string]*domain.JournalEntry),
	}
}

// Compile-time interface check.
var _ storage.TransferJournalStore = (*TransferJournalStore)(nil)

// Append adds an entry. Returns ErrDuplicateKey if entry_id exists.
func (s *TransferJournalStore) Append(_ context.Context, e *domain.JournalEntry) error {
	if e == nil || e.EntryID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[e.EntryID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[e.EntryID] = cloneEntry(e)
	return nil
}

// GetByTxHash retrieves entries for a transaction ordered by log_index.
func (s *TransferJournalStore) GetByTxHash(_ context.Context, txHash string) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.data {
		if e.TxHash == txHash {
			result = append(result, cloneEntry(e))
		}
	}
	sortEntries(result)
	return result, nil
}

// GetByBlockRange retrieves entries within [from, to] (inclusive).
func (s *TransferJournalStore) GetByBlockRange(_ context.Context, from, to uint64) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.data {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			result = append(result, cloneEntry(e))
		}
	}
	sortEntries(result)
	return result, nil
}

func cloneEntry(e *domain.JournalEntry) *domain.JournalEntry {
	c := *e
	if e.PaymentID != nil {
		id := *e.PaymentID
		c.PaymentID = &id
	}
	return &c
}

func sortEntries(entries []*domain.JournalEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber < entries[j].BlockNumber
		}
		return entries[i].LogIndex < entries[j].LogIndex
	})
}
