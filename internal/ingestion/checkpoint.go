package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/storage"
)

// Checkpoint advances the ingestion cursor only past blocks whose events the
// engine has finished handling.
//
// Producers call Emitted before handing an event over and Mark once every
// event at or below a block has been handed over. The engine calls Ack after
// handling each event, in the order received. A block is written to the
// cursor when every event emitted before its Mark has been acknowledged.
//
// An event acknowledged with DispositionError stalls the cursor for the rest
// of the run, so the next backfill rescans from before that event.
// A nil *Checkpoint is valid and does nothing.
type Checkpoint struct {
	cursor storage.IngestionCursorStore
	logger *zap.SugaredLogger
	now    func() time.Time

	mu      sync.Mutex
	emitted uint64
	acked   uint64
	marks   []checkpointMark
	stalled bool
	written uint64
}

type checkpointMark struct {
	seq   uint64 // events emitted when the mark was taken
	block uint64
}

// NewCheckpoint creates a checkpoint that persists to cursor.
func NewCheckpoint(cursor storage.IngestionCursorStore, logger *zap.SugaredLogger) *Checkpoint {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Checkpoint{
		cursor: cursor,
		logger: logger,
		now:    time.Now,
	}
}

// Restore records block as already persisted, so later marks at or below it
// are not written again.
func (c *Checkpoint) Restore(block uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if block > c.written {
		c.written = block
	}
	c.mu.Unlock()
}

// Emitted counts one event handed to the consumer.
func (c *Checkpoint) Emitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.emitted++
	c.mu.Unlock()
}

// Mark records that every event at or below block has been emitted.
func (c *Checkpoint) Mark(ctx context.Context, block uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.marks = append(c.marks, checkpointMark{seq: c.emitted, block: block})
	c.flushLocked(ctx)
}

// Ack records that the consumer finished handling ev.
func (c *Checkpoint) Ack(ctx context.Context, ev domain.TransferEvent, d domain.Disposition) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acked++
	if d == domain.DispositionError && !c.stalled {
		c.stalled = true
		c.marks = nil
		c.logger.Warnw("ingestion cursor held until restart after failed transfer",
			"tx", ev.TxHash, "logIndex", ev.LogIndex, "block", ev.BlockNumber, "cursor", c.written)
		return
	}
	c.flushLocked(ctx)
}

func (c *Checkpoint) flushLocked(ctx context.Context) {
	if c.stalled {
		c.marks = nil
		return
	}

	var block uint64
	n := 0
	for _, m := range c.marks {
		if m.seq > c.acked {
			break
		}
		if m.block > block {
			block = m.block
		}
		n++
	}
	if n == 0 {
		return
	}
	c.marks = c.marks[n:]

	if block <= c.written || c.cursor == nil {
		return
	}
	err := c.cursor.SetLastProcessed(ctx, &storage.IngestionCursor{
		BlockNumber: block,
		UpdatedAt:   c.now().UnixMilli(),
	})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warnw("failed to advance ingestion cursor", "block", block, "error", err)
		}
		return
	}
	c.written = block
}
