package ingestion

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/observability"
)

// WSTransferSource provides live transfers via an eth_subscribe("logs") subscription
// on the token contract, filtered to the system wallet as recipient.
type WSTransferSource struct {
	ws     evm.WSClient
	token  string
	wallet string
	logger *zap.SugaredLogger
}

// NewWSTransferSource creates a new WebSocket-based transfer source.
func NewWSTransferSource(ws evm.WSClient, token, wallet string, logger *zap.SugaredLogger) *WSTransferSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WSTransferSource{
		ws:     ws,
		token:  evm.NormalizeAddress(token),
		wallet: evm.NormalizeAddress(wallet),
		logger: logger,
	}
}

// Subscribe returns a channel of decoded transfers.
// Reorged (removed) logs and logs that fail to decode are dropped.
func (s *WSTransferSource) Subscribe(ctx context.Context) (<-chan domain.TransferEvent, error) {
	logsCh, err := s.ws.SubscribeLogs(ctx, transferFilter(s.token, s.wallet))
	if err != nil {
		return nil, err
	}
	s.logger.Infow("subscribed to token transfers", "token", s.token, "wallet", s.wallet)

	eventsCh := make(chan domain.TransferEvent, 100)

	go func() {
		defer close(eventsCh)

		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logsCh:
				if !ok {
					s.logger.Warn("log subscription closed")
					return
				}
				ev, ok := s.decode(l)
				if !ok {
					continue
				}
				select {
				case eventsCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventsCh, nil
}

func (s *WSTransferSource) decode(l evm.Log) (domain.TransferEvent, bool) {
	if l.Removed {
		s.logger.Debugw("dropping removed log", "tx", l.TxHash, "logIndex", l.LogIndex)
		return domain.TransferEvent{}, false
	}
	if !evm.SameAddress(l.Address, s.token) {
		return domain.TransferEvent{}, false
	}

	t, err := evm.DecodeTransfer(l)
	if err != nil {
		var decErr *evm.DecodeError
		if errors.As(err, &decErr) {
			observability.RecordDecodeError()
		}
		s.logger.Warnw("skipping malformed transfer log", "error", err)
		return domain.TransferEvent{}, false
	}

	observability.RecordTransferReceived(t.BlockNumber)
	return toEvent(t), true
}
