package ingestion

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/observability"
	"token-payment-reconciler/internal/storage"
)

// DefaultBackfillBatchBlocks bounds the block span of a single eth_getLogs call.
// Public endpoints commonly reject wider ranges.
const DefaultBackfillBatchBlocks = 2000

// Backfiller replays transfers the live subscription missed while the
// service was down, starting after the stored ingestion cursor.
type Backfiller struct {
	reader     LogReader
	cursor     storage.IngestionCursorStore
	checkpoint *Checkpoint
	token      string
	wallet     string
	startBlock uint64
	batchSize  uint64
	logger     *zap.SugaredLogger
	now        func() time.Time
}

// BackfillOptions contains configuration for creating a Backfiller.
type BackfillOptions struct {
	Reader LogReader
	Cursor storage.IngestionCursorStore // read to find where to resume
	// Checkpoint receives a Mark after every emitted batch and owns cursor
	// writes past the resume point. Nil leaves the cursor where it was.
	Checkpoint *Checkpoint
	Token      string
	Wallet     string
	// StartBlock is used when no cursor is stored. Zero means start at the
	// current head, i.e. no history is scanned on first run.
	StartBlock uint64
	BatchSize  uint64
	Logger     *zap.SugaredLogger
}

// NewBackfiller creates a new historical transfer backfiller.
func NewBackfiller(opts BackfillOptions) *Backfiller {
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBackfillBatchBlocks
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Backfiller{
		reader:     opts.Reader,
		cursor:     opts.Cursor,
		checkpoint: opts.Checkpoint,
		token:      evm.NormalizeAddress(opts.Token),
		wallet:     evm.NormalizeAddress(opts.Wallet),
		startBlock: opts.StartBlock,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

// BackfillResult contains statistics from a backfill operation.
type BackfillResult struct {
	FromBlock      uint64
	ToBlock        uint64
	EventsEmitted  int
	MalformedLogs  int
	RemovedSkipped int
	Duration       time.Duration
}

// Run scans (cursor, head] in batches and emits each batch's transfers in
// ledger order. Every fully emitted batch is marked on the checkpoint, which
// moves the cursor once the consumer has acknowledged the batch.
func (b *Backfiller) Run(ctx context.Context, emit func(domain.TransferEvent) error) (*BackfillResult, error) {
	start := time.Now()

	head, err := b.reader.BlockNumber(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get head block")
	}

	from, err := b.resumeFrom(ctx, head)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{FromBlock: from, ToBlock: head}
	if from > head {
		result.Duration = time.Since(start)
		return result, nil
	}

	b.logger.Infow("starting backfill", "from", from, "to", head, "batch", b.batchSize)

	for lo := from; lo <= head; lo += b.batchSize {
		hi := lo + b.batchSize - 1
		if hi > head {
			hi = head
		}

		if err := b.backfillBatch(ctx, lo, hi, result, emit); err != nil {
			return result, err
		}
		b.checkpoint.Mark(ctx, hi)
	}

	result.Duration = time.Since(start)
	b.logger.Infow("backfill complete",
		"from", result.FromBlock, "to", result.ToBlock,
		"events", result.EventsEmitted, "malformed", result.MalformedLogs,
		"removed", result.RemovedSkipped, "duration", result.Duration)

	return result, nil
}

// resumeFrom returns the first block to scan.
func (b *Backfiller) resumeFrom(ctx context.Context, head uint64) (uint64, error) {
	cur, err := b.cursor.GetLastProcessed(ctx)
	switch {
	case err == nil:
		b.checkpoint.Restore(cur.BlockNumber)
		return cur.BlockNumber + 1, nil
	case !errors.Is(err, storage.ErrNotFound):
		return 0, pkgerrors.Wrap(err, "load ingestion cursor")
	case b.startBlock > 0:
		return b.startBlock, nil
	default:
		// Nothing below head will be emitted, so head is safe to persist now.
		if err := b.cursor.SetLastProcessed(ctx, &storage.IngestionCursor{
			BlockNumber: head,
			UpdatedAt:   b.now().UnixMilli(),
		}); err != nil {
			return 0, pkgerrors.Wrap(err, "save ingestion cursor")
		}
		b.checkpoint.Restore(head)
		return head + 1, nil
	}
}

func (b *Backfiller) backfillBatch(ctx context.Context, lo, hi uint64, result *BackfillResult, emit func(domain.TransferEvent) error) error {
	filter := transferFilter(b.token, b.wallet)
	filter.FromBlock = &lo
	filter.ToBlock = &hi

	logs, err := b.reader.GetLogs(ctx, filter)
	if err != nil {
		return pkgerrors.Wrapf(err, "get logs [%d, %d]", lo, hi)
	}

	events := make([]domain.TransferEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			result.RemovedSkipped++
			continue
		}
		// Some providers ignore the address filter.
		if !evm.SameAddress(l.Address, b.token) {
			continue
		}
		t, err := evm.DecodeTransfer(l)
		if err != nil {
			result.MalformedLogs++
			observability.RecordDecodeError()
			b.logger.Warnw("skipping malformed transfer log", "error", err)
			continue
		}
		observability.RecordTransferReceived(t.BlockNumber)
		events = append(events, toEvent(t))
	}

	SortTransferEvents(events)
	if err := ValidateTransferOrdering(events); err != nil {
		return pkgerrors.Wrapf(err, "get logs [%d, %d] returned repeated log positions", lo, hi)
	}

	for _, ev := range events {
		if err := emit(ev); err != nil {
			return err
		}
		result.EventsEmitted++
	}
	return nil
}
