// Package reconciliation matches inbound token transfers to pending payment
// records and drives each match to a terminal status.
//
// State machine per record: pending -> detected -> confirmed | failed.
// The engine owns pending -> detected; the watcher spawned for a match owns
// the terminal transition.
package reconciliation

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/idhash"
	"token-payment-reconciler/internal/observability"
	"token-payment-reconciler/internal/storage"
)

// Gateway is the ledger read surface used by the engine and its watchers.
type Gateway interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransaction(ctx context.Context, hash string) (*evm.Transaction, error)
	GetReceipt(ctx context.Context, hash string) (*evm.Receipt, error)
}

// Publisher receives every payment status transition.
type Publisher interface {
	PublishStatusChange(ctx context.Context, change domain.PaymentStatusChange) error
}

// Acknowledger is told about every event Run has finished handling.
type Acknowledger interface {
	Ack(ctx context.Context, ev domain.TransferEvent, d domain.Disposition)
}

// Engine consumes TransferEvents and reconciles them against a PaymentStore.
type Engine struct {
	wallet    string
	chain     domain.ChainConfig
	policy    domain.ConfirmationPolicy
	store     storage.PaymentStore
	gateway   Gateway
	journal   storage.TransferJournalStore
	publisher Publisher
	acker     Acknowledger
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{} // tx_hash|log_index currently being handled
	watching map[string]struct{} // payment ids with a live watcher
	wg       sync.WaitGroup
}

// Options contains configuration for creating an Engine.
type Options struct {
	Wallet    string // receiving address
	Chain     domain.ChainConfig
	Policy    domain.ConfirmationPolicy
	Store     storage.PaymentStore
	Gateway   Gateway
	Journal   storage.TransferJournalStore // optional
	Publisher Publisher                    // optional
	Acker     Acknowledger                 // optional, called after Run handles an event
	Logger    *zap.SugaredLogger
	Clock     func() time.Time // defaults to time.Now
}

// NewEngine creates a new reconciliation engine.
func NewEngine(opts Options) *Engine {
	policy := opts.Policy
	if policy.RequiredConfirmations < 1 {
		policy.RequiredConfirmations = 1
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		wallet:    evm.NormalizeAddress(opts.Wallet),
		chain:     opts.Chain,
		policy:    policy,
		store:     opts.Store,
		gateway:   opts.Gateway,
		journal:   opts.Journal,
		publisher: opts.Publisher,
		acker:     opts.Acker,
		logger:    logger,
		now:       clock,
		inFlight:  make(map[string]struct{}),
		watching:  make(map[string]struct{}),
	}
}

// Run handles events until ctx is cancelled or events is closed.
// Events are handled one at a time; watchers run concurrently. Each handled
// event is acknowledged in arrival order.
func (e *Engine) Run(ctx context.Context, events <-chan domain.TransferEvent) error {
	e.logger.Infow("reconciliation engine started", "wallet", e.wallet, "chainId", e.chain.ChainID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				e.logger.Info("transfer stream closed")
				return nil
			}
			d := e.HandleEvent(ctx, ev)
			if e.acker != nil {
				e.acker.Ack(ctx, ev, d)
			}
		}
	}
}

// HandleEvent reconciles a single transfer and reports what was done with it.
// Safe for concurrent use: the same Transfer log dispatched twice at once is
// handled once and the other call reports DispositionDuplicate.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.TransferEvent) domain.Disposition {
	var paymentID *string

	d := e.handle(ctx, ev, &paymentID)

	observability.RecordTransferDisposition(string(d))
	e.record(ctx, ev, d, paymentID)
	return d
}

func (e *Engine) handle(ctx context.Context, ev domain.TransferEvent, paymentID **string) domain.Disposition {
	log := e.logger.With("tx", ev.TxHash, "logIndex", ev.LogIndex, "block", ev.BlockNumber)

	if !evm.SameAddress(ev.To, e.wallet) || ev.ValueRaw == nil || ev.TxHash == "" {
		return domain.DispositionIgnored
	}

	key := transferKey(ev)
	if !e.acquire(key) {
		log.Debug("transfer already being handled")
		return domain.DispositionDuplicate
	}
	defer e.release(key)

	tx, err := e.gateway.GetTransaction(ctx, ev.TxHash)
	if err != nil {
		log.Errorw("failed to fetch transaction", "error", err)
		return domain.DispositionError
	}
	if tx == nil {
		log.Warn("transaction not found for observed transfer")
		return domain.DispositionError
	}
	if tx.ChainID == nil || !tx.ChainID.IsInt64() || tx.ChainID.Int64() != e.chain.ChainID {
		log.Warnw("wrong network transaction detected", "txChainId", tx.ChainID, "expected", e.chain.ChainID)
		return domain.DispositionWrongChain
	}

	receipt, err := e.gateway.GetReceipt(ctx, ev.TxHash)
	if err != nil {
		log.Errorw("failed to fetch receipt", "error", err)
		return domain.DispositionError
	}
	if receipt == nil {
		log.Warn("receipt not found for observed transfer")
		return domain.DispositionError
	}
	if !receipt.Succeeded() {
		log.Warn("transaction reverted")
		return domain.DispositionReverted
	}

	at := e.now().UnixMilli()
	p, err := e.store.ClaimOldestPending(ctx, ev.ValueRaw, ev.TxHash, ev.LogIndex, at)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debugw("no pending payment for amount", "valueRaw", ev.ValueRaw.String())
		return domain.DispositionUnmatched
	case errors.Is(err, storage.ErrDuplicateKey):
		log.Debug("transfer already matched")
		return domain.DispositionDuplicate
	case err != nil:
		log.Errorw("failed to claim pending payment", "error", err)
		return domain.DispositionError
	}

	*paymentID = &p.ID
	observability.RecordPaymentTransition(string(domain.PaymentDetected))
	log.Infow("payment detected", "payment", p.ID, "valueRaw", ev.ValueRaw.String())

	logIndex := ev.LogIndex
	publish(ctx, e.publisher, e.logger, domain.PaymentStatusChange{
		PaymentID: p.ID,
		From:      domain.PaymentPending,
		To:        domain.PaymentDetected,
		TxHash:    ev.TxHash,
		LogIndex:  &logIndex,
		ChainID:   e.chain.ChainID,
		Timestamp: at,
	})

	e.spawnWatcher(ctx, ev.TxHash, p.ID)
	return domain.DispositionMatched
}

// Resume starts watchers for every record left detected by a previous run.
// Returns the number of watchers started.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	detected, err := e.store.ListByStatus(ctx, domain.PaymentDetected)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, p := range detected {
		if p.TxHash == nil {
			e.logger.Warnw("detected payment without tx hash", "payment", p.ID)
			continue
		}
		if e.spawnWatcher(ctx, *p.TxHash, p.ID) {
			started++
		}
	}

	if started > 0 {
		e.logger.Infow("resumed confirmation watchers", "count", started)
	}
	return started, nil
}

// Wait blocks until every watcher has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Watcher returns a watcher bound to the engine's collaborators.
func (e *Engine) Watcher() *Watcher {
	return &Watcher{
		gateway:   e.gateway,
		store:     e.store,
		policy:    e.policy,
		publisher: e.publisher,
		chainID:   e.chain.ChainID,
		logger:    e.logger.Named("watcher"),
		now:       e.now,
	}
}

// spawnWatcher starts one watcher per payment. Returns false if one is
// already running for paymentID.
func (e *Engine) spawnWatcher(ctx context.Context, txHash, paymentID string) bool {
	e.mu.Lock()
	if _, ok := e.watching[paymentID]; ok {
		e.mu.Unlock()
		return false
	}
	e.watching[paymentID] = struct{}{}
	e.mu.Unlock()

	w := e.Watcher()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.watching, paymentID)
			e.mu.Unlock()
		}()

		_, _ = w.Watch(ctx, txHash, paymentID)
	}()
	return true
}

func transferKey(ev domain.TransferEvent) string {
	return strings.ToLower(ev.TxHash) + "|" + strconv.FormatUint(uint64(ev.LogIndex), 10)
}

func (e *Engine) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inFlight[key]; busy {
		return false
	}
	e.inFlight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

// record appends the event's disposition to the journal. Journal failures
// are logged and never affect reconciliation. DispositionError is not
// journaled: the event is retried and its final disposition recorded then.
func (e *Engine) record(ctx context.Context, ev domain.TransferEvent, d domain.Disposition, paymentID *string) {
	if e.journal == nil || d == domain.DispositionError {
		return
	}

	value := ""
	if ev.ValueRaw != nil {
		value = ev.ValueRaw.String()
	}

	err := e.journal.Append(ctx, &domain.JournalEntry{
		EntryID:     idhash.ComputeJournalEntryID(ev.TxHash, ev.LogIndex),
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		From:        ev.From,
		To:          ev.To,
		ValueRaw:    value,
		Disposition: d,
		PaymentID:   paymentID,
		ObservedAt:  e.now().UnixMilli(),
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicateKey):
		e.logger.Debugw("transfer already journaled", "tx", ev.TxHash, "logIndex", ev.LogIndex)
	default:
		e.logger.Warnw("failed to journal transfer", "tx", ev.TxHash, "error", err)
	}
}

func publish(ctx context.Context, p Publisher, logger *zap.SugaredLogger, change domain.PaymentStatusChange) {
	if p == nil {
		return
	}
	if err := p.PublishStatusChange(ctx, change); err != nil {
		logger.Warnw("failed to publish status change", "payment", change.PaymentID, "to", change.To, "error", err)
	}
}
