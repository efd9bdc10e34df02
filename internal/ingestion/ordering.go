package ingestion

import (
	"errors"
	"sort"

	"token-payment-reconciler/internal/domain"
)

// ErrInvalidOrdering is returned when events are not properly ordered.
var ErrInvalidOrdering = errors.New("events are not in deterministic order")

// SortTransferEvents orders events by (block ASC, log_index ASC).
// Within a block the log index is unique, so this is ledger order.
func SortTransferEvents(events []domain.TransferEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return compareTransferEvents(events[i], events[j]) < 0
	})
}

// ValidateTransferOrdering checks that events are strictly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateTransferOrdering(events []domain.TransferEvent) error {
	for i := 1; i < len(events); i++ {
		if compareTransferEvents(events[i-1], events[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareTransferEvents returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareTransferEvents(a, b domain.TransferEvent) int {
	if a.BlockNumber != b.BlockNumber {
		if a.BlockNumber < b.BlockNumber {
			return -1
		}
		return 1
	}
	if a.LogIndex != b.LogIndex {
		if a.LogIndex < b.LogIndex {
			return -1
		}
		return 1
	}
	return 0
}
