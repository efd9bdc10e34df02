package ingestion

import (
	"context"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
)

// TransferSource provides live token transfers to the system wallet.
type TransferSource interface {
	// Subscribe returns a channel of transfers. The channel is closed when
	// the context is cancelled or the underlying subscription ends.
	Subscribe(ctx context.Context) (<-chan domain.TransferEvent, error)
}

// LogReader is the historical log surface used by the Backfiller.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter evm.LogFilter) ([]evm.Log, error)
}

// transferFilter selects Transfer logs of token whose recipient is wallet.
func transferFilter(token, wallet string) evm.LogFilter {
	return evm.LogFilter{
		Addresses: []string{token},
		Topics: [][]string{
			{evm.TransferTopic},
			nil,
			{evm.AddressTopic(wallet)},
		},
	}
}

// toEvent converts a decoded transfer into the engine's event type.
func toEvent(t *evm.Transfer) domain.TransferEvent {
	return domain.TransferEvent{
		From:        t.From,
		To:          t.To,
		ValueRaw:    t.Value,
		TxHash:      t.TxHash,
		BlockNumber: t.BlockNumber,
		LogIndex:    t.LogIndex,
	}
}
