package ingestion

import (
	"context"

	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
)

// Runner merges backfilled history and the live subscription into one
// ordered stream for the reconciliation engine.
type Runner struct {
	source     TransferSource
	backfiller *Backfiller
	checkpoint *Checkpoint
	logger     *zap.SugaredLogger
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Source     TransferSource
	Backfiller *Backfiller // optional
	Checkpoint *Checkpoint // optional; counts emitted events and marks completed live blocks
	Logger     *zap.SugaredLogger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		source:     opts.Source,
		backfiller: opts.Backfiller,
		checkpoint: opts.Checkpoint,
		logger:     logger,
	}
}

// Start subscribes to live transfers, then emits backfilled history followed
// by the live stream. Subscribing first leaves no gap between the two; an
// event seen by both is delivered twice, which the engine tolerates.
// The returned channel is closed when ctx ends or the live source closes.
// Events still buffered in the channel at shutdown were never acknowledged,
// so the cursor stays behind them and the next start replays them.
func (r *Runner) Start(ctx context.Context) (<-chan domain.TransferEvent, error) {
	live, err := r.source.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.TransferEvent, 100)
	emit := func(ev domain.TransferEvent) error {
		r.checkpoint.Emitted()
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(out)

		if r.backfiller != nil {
			if _, err := r.backfiller.Run(ctx, emit); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Errorw("backfill failed, continuing with live transfers", "error", err)
			}
		}

		var lastBlock uint64
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					r.logger.Warn("live transfer source closed")
					return
				}
				// Subscription delivers in ledger order: a higher block means
				// every earlier block has been handed over.
				if ev.BlockNumber > lastBlock {
					if lastBlock > 0 {
						r.checkpoint.Mark(ctx, ev.BlockNumber-1)
					}
					lastBlock = ev.BlockNumber
				}
				if emit(ev) != nil {
					return
				}
			}
		}
	}()

	return out, nil
}
