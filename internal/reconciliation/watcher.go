package reconciliation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/observability"
	"token-payment-reconciler/internal/storage"
)

// Watcher drives one detected payment to confirmed or failed by polling the
// receipt depth under a bounded ConfirmationPolicy.
type Watcher struct {
	gateway   Gateway
	store     storage.PaymentStore
	policy    domain.ConfirmationPolicy
	publisher Publisher
	chainID   int64
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Watch polls until the receipt of txHash is RequiredConfirmations deep
// (confirmed) or MaxAttempts polls pass without that (failed). Fetch errors
// use up an attempt and are otherwise ignored.
//
// If ctx ends first, the record is left detected and ctx.Err() is returned.
func (w *Watcher) Watch(ctx context.Context, txHash, paymentID string) (domain.PaymentStatus, error) {
	observability.WatcherStarted()
	defer observability.WatcherStopped()

	log := w.logger.With("payment", paymentID, "tx", txHash)

	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		observability.RecordWatcherAttempt()

		confirmed, err := w.poll(ctx, txHash)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warnw("confirmation poll failed", "attempt", attempt, "error", err)
		}
		if confirmed {
			return w.resolve(ctx, paymentID, txHash, domain.PaymentConfirmed)
		}

		if attempt == w.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(w.policy.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Infow("watcher cancelled, payment stays detected", "attempt", attempt)
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	log.Warnw("payment not confirmed in time", "attempts", w.policy.MaxAttempts)
	return w.resolve(ctx, paymentID, txHash, domain.PaymentFailed)
}

// poll reports whether the receipt is deep enough.
// confirmations = height - receiptBlock + 1.
func (w *Watcher) poll(ctx context.Context, txHash string) (bool, error) {
	receipt, err := w.gateway.GetReceipt(ctx, txHash)
	if err != nil {
		return false, errors.Wrap(err, "get receipt")
	}
	if receipt == nil || receipt.BlockNumber == 0 {
		return false, nil
	}

	height, err := w.gateway.BlockNumber(ctx)
	if err != nil {
		return false, errors.Wrap(err, "get block number")
	}

	return height+1 >= receipt.BlockNumber+w.policy.RequiredConfirmations, nil
}

func (w *Watcher) resolve(ctx context.Context, paymentID, txHash string, to domain.PaymentStatus) (domain.PaymentStatus, error) {
	at := w.now().UnixMilli()

	if err := w.store.Resolve(ctx, paymentID, to, at); err != nil {
		w.logger.Errorw("failed to resolve payment", "payment", paymentID, "to", to, "error", err)
		return "", errors.Wrapf(err, "resolve payment %s to %s", paymentID, to)
	}

	observability.RecordPaymentTransition(string(to))
	w.logger.Infow("payment resolved", "payment", paymentID, "tx", txHash, "status", to)

	publish(ctx, w.publisher, w.logger, domain.PaymentStatusChange{
		PaymentID: paymentID,
		From:      domain.PaymentDetected,
		To:        to,
		TxHash:    txHash,
		ChainID:   w.chainID,
		Timestamp: at,
	})
	return to, nil
}
