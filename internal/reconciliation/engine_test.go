package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/evm/stub"
	ingeststub "token-payment-reconciler/internal/ingestion/stub"
	"token-payment-reconciler/internal/storage/memory"
)

const (
	wallet = "0x2222222222222222222222222222222222abcdef"
	payer  = "0x1111111111111111111111111111111111111111"
)

var chain = domain.ChainConfig{
	Network:              domain.NetworkTest,
	ChainID:              97,
	TokenContractAddress: "0x55d398326f99059ff775485246999027b3197955",
	TokenDecimals:        18,
}

// recordingPublisher captures published transitions.
type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.PaymentStatusChange
}

func (p *recordingPublisher) PublishStatusChange(_ context.Context, c domain.PaymentStatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) all() []domain.PaymentStatusChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PaymentStatusChange(nil), p.changes...)
}

type fixture struct {
	rpc       *stub.Client
	store     *memory.PaymentStore
	journal   *memory.TransferJournalStore
	publisher *recordingPublisher
	engine    *Engine
}

func newFixture(t *testing.T, policy domain.ConfirmationPolicy) *fixture {
	t.Helper()

	f := &fixture{
		rpc:       stub.NewClient(97),
		store:     memory.NewPaymentStore(),
		journal:   memory.NewTransferJournalStore(),
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(Options{
		Wallet:    wallet,
		Chain:     chain,
		Policy:    policy,
		Store:     f.store,
		Gateway:   f.rpc,
		Journal:   f.journal,
		Publisher: f.publisher,
		Clock:     func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	return f
}

func fastPolicy(attempts int) domain.ConfirmationPolicy {
	return domain.ConfirmationPolicy{RequiredConfirmations: 3, PollInterval: time.Millisecond, MaxAttempts: attempts}
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// addMinedTransfer registers a successful transaction on the expected chain.
func (f *fixture) addMinedTransfer(hash string, block uint64) {
	f.rpc.AddTransaction(&evm.Transaction{Hash: hash, ChainID: big.NewInt(97)})
	f.rpc.AddReceipt(&evm.Receipt{TxHash: hash, Status: evm.ReceiptStatusSuccess, BlockNumber: block})
}

func (f *fixture) createPending(t *testing.T, id string, amount int64, createdAt int64) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), &domain.PaymentRecord{
		ID:                id,
		ExpectedAmountRaw: big.NewInt(amount),
		Status:            domain.PaymentPending,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}))
}

func (f *fixture) status(t *testing.T, id string) domain.PaymentStatus {
	t.Helper()
	p, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func event(hash string, amount int64, block uint64) domain.TransferEvent {
	return domain.TransferEvent{
		From:        payer,
		To:          wallet,
		ValueRaw:    big.NewInt(amount),
		TxHash:      hash,
		BlockNumber: block,
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t, fastPolicy(10))
	f.createPending(t, "pay-1", 5_000_000, 1)
	f.addMinedTransfer(txHash(1), 100)
	f.rpc.SetHeight(100)
	f.rpc.AdvanceHeightPerCall(1)

	d := f.engine.HandleEvent(context.Background(), event(txHash(1), 5_000_000, 100))
	require.Equal(t, domain.DispositionMatched, d)

	p, err := f.store.GetByID(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, txHash(1), *p.TxHash)
	assert.Equal(t, uint(0), *p.LogIndex)

	f.engine.Wait()
	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "pay-1"))

	changes := f.publisher.all()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.PaymentDetected, changes[0].To)
	assert.Equal(t, domain.PaymentConfirmed, changes[1].To)
	assert.Equal(t, int64(97), changes[1].ChainID)

	entries, err := f.journal.GetByTxHash(context.Background(), txHash(1))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.DispositionMatched, entries[0].Disposition)
	assert.Equal(t, "pay-1", *entries[0].PaymentID)
}

func TestEngine_IgnoresOtherRecipients(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "pay-1", 5, 1)

	ev := event(txHash(1), 5, 1)
	ev.To = payer

	assert.Equal(t, domain.DispositionIgnored, f.engine.HandleEvent(context.Background(), ev))
	assert.Equal(t, 0, f.rpc.Calls(stub.MethodGetTransaction))
	assert.Equal(t, domain.PaymentPending, f.status(t, "pay-1"))
}

func TestEngine_RecipientCaseInsensitive(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "pay-1", 5, 1)
	f.addMinedTransfer(txHash(1), 10)
	f.rpc.SetHeight(50)

	ev := event(txHash(1), 5, 10)
	ev.To = "0x2222222222222222222222222222222222ABCDEF"

	assert.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(context.Background(), ev))
	f.engine.Wait()
}

func TestEngine_RejectsWithoutStateChange(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, hash string)
		want  domain.Disposition
	}{
		{
			name: "wrong chain",
			setup: func(f *fixture, hash string) {
				f.rpc.AddTransaction(&evm.Transaction{Hash: hash, ChainID: big.NewInt(56)})
				f.rpc.AddReceipt(&evm.Receipt{TxHash: hash, Status: evm.ReceiptStatusSuccess, BlockNumber: 1})
			},
			want: domain.DispositionWrongChain,
		},
		{
			name: "pre-replay-protection transaction",
			setup: func(f *fixture, hash string) {
				f.rpc.AddTransaction(&evm.Transaction{Hash: hash})
				f.rpc.AddReceipt(&evm.Receipt{TxHash: hash, Status: evm.ReceiptStatusSuccess, BlockNumber: 1})
			},
			want: domain.DispositionWrongChain,
		},
		{
			name: "reverted receipt",
			setup: func(f *fixture, hash string) {
				f.rpc.AddTransaction(&evm.Transaction{Hash: hash, ChainID: big.NewInt(97)})
				f.rpc.AddReceipt(&evm.Receipt{TxHash: hash, Status: evm.ReceiptStatusFailed, BlockNumber: 1})
			},
			want: domain.DispositionReverted,
		},
		{
			name:  "unknown transaction",
			setup: func(f *fixture, hash string) {},
			want:  domain.DispositionError,
		},
		{
			name: "missing receipt",
			setup: func(f *fixture, hash string) {
				f.rpc.AddTransaction(&evm.Transaction{Hash: hash, ChainID: big.NewInt(97)})
			},
			want: domain.DispositionError,
		},
		{
			name: "gateway failure",
			setup: func(f *fixture, hash string) {
				f.rpc.SetError(stub.MethodGetTransaction, assert.AnError)
			},
			want: domain.DispositionError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fastPolicy(1))
			f.createPending(t, "pay-1", 5, 1)
			tt.setup(f, txHash(1))

			d := f.engine.HandleEvent(context.Background(), event(txHash(1), 5, 1))
			assert.Equal(t, tt.want, d)
			assert.Equal(t, domain.PaymentPending, f.status(t, "pay-1"))
			assert.Empty(t, f.publisher.all())

			entries, err := f.journal.GetByTxHash(context.Background(), txHash(1))
			require.NoError(t, err)
			if tt.want == domain.DispositionError {
				assert.Empty(t, entries, "errored transfers are retried, not journaled")
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Disposition)
		})
	}
}

func TestEngine_Unmatched(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "pay-1", 5, 1)
	f.addMinedTransfer(txHash(1), 1)

	assert.Equal(t, domain.DispositionUnmatched, f.engine.HandleEvent(context.Background(), event(txHash(1), 6, 1)))
	assert.Equal(t, domain.PaymentPending, f.status(t, "pay-1"))
}

func TestEngine_FIFOAcrossEqualAmounts(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "newer", 5, 20)
	f.createPending(t, "older", 5, 10)
	f.addMinedTransfer(txHash(1), 1)
	f.addMinedTransfer(txHash(2), 2)
	f.rpc.SetHeight(100)

	ctx := context.Background()
	require.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(ctx, event(txHash(1), 5, 1)))
	require.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(ctx, event(txHash(2), 5, 2)))
	f.engine.Wait()

	older, _ := f.store.GetByID(ctx, "older")
	newer, _ := f.store.GetByID(ctx, "newer")
	assert.Equal(t, txHash(1), *older.TxHash)
	assert.Equal(t, txHash(2), *newer.TxHash)
}

func TestEngine_DuplicateDeliveryNeverRematches(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "first", 5, 1)
	f.createPending(t, "second", 5, 2)
	f.addMinedTransfer(txHash(1), 1)
	f.rpc.SetHeight(100)

	ctx := context.Background()
	ev := event(txHash(1), 5, 1)

	require.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(ctx, ev))
	assert.Equal(t, domain.DispositionDuplicate, f.engine.HandleEvent(ctx, ev))
	f.engine.Wait()

	// Replay again after the first record went terminal.
	assert.Equal(t, domain.DispositionDuplicate, f.engine.HandleEvent(ctx, ev))
	f.engine.Wait()

	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "first"))
	assert.Equal(t, domain.PaymentPending, f.status(t, "second"))
}

func TestEngine_MultipleTransfersInOneTransaction(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "pay-1", 5, 1)
	f.createPending(t, "pay-2", 7, 2)
	f.addMinedTransfer(txHash(1), 10)
	f.rpc.SetHeight(100)

	ctx := context.Background()
	first := event(txHash(1), 5, 10)
	second := event(txHash(1), 7, 10)
	second.LogIndex = 1

	require.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(ctx, first))
	require.Equal(t, domain.DispositionMatched, f.engine.HandleEvent(ctx, second))
	assert.Equal(t, domain.DispositionDuplicate, f.engine.HandleEvent(ctx, second))
	f.engine.Wait()

	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "pay-1"))
	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "pay-2"))

	p2, err := f.store.GetByID(ctx, "pay-2")
	require.NoError(t, err)
	assert.Equal(t, txHash(1), *p2.TxHash)
	assert.Equal(t, uint(1), *p2.LogIndex)

	entries, err := f.journal.GetByTxHash(ctx, txHash(1))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pay-1", *entries[0].PaymentID)
	assert.Equal(t, "pay-2", *entries[1].PaymentID)
}

func TestEngine_ConcurrentDoubleDispatch(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	for i := 0; i < 5; i++ {
		f.createPending(t, fmt.Sprintf("pay-%d", i), 5, int64(i))
	}
	f.addMinedTransfer(txHash(1), 1)
	f.rpc.SetHeight(100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.engine.HandleEvent(context.Background(), event(txHash(1), 5, 1)) == domain.DispositionMatched {
				mu.Lock()
				matched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	f.engine.Wait()

	assert.Equal(t, 1, matched)

	pending, err := f.store.ListByStatus(context.Background(), domain.PaymentPending)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestEngine_Resume(t *testing.T) {
	f := newFixture(t, fastPolicy(3))
	ctx := context.Background()
	f.createPending(t, "left-detected", 5, 1)
	f.createPending(t, "still-pending", 5, 3)
	claimed, err := f.store.ClaimOldestPending(ctx, big.NewInt(5), txHash(7), 0, 2)
	require.NoError(t, err)
	require.Equal(t, "left-detected", claimed.ID)
	f.addMinedTransfer(txHash(7), 10)
	f.rpc.SetHeight(20)

	n, err := f.engine.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.engine.Wait()
	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "left-detected"))
	assert.Equal(t, domain.PaymentPending, f.status(t, "still-pending"))
}

func TestEngine_RunConsumesUntilClosed(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	f.createPending(t, "pay-1", 5, 1)
	f.addMinedTransfer(txHash(1), 1)
	f.rpc.SetHeight(100)

	src := ingeststub.NewSource(4)
	src.Send(event(txHash(1), 5, 1), event(txHash(1), 5, 1))
	src.Close()

	events, err := src.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.engine.Run(context.Background(), events))
	f.engine.Wait()

	assert.Equal(t, domain.PaymentConfirmed, f.status(t, "pay-1"))
}

// ackRecorder captures acknowledgements from Run.
type ackRecorder struct {
	mu   sync.Mutex
	acks []domain.Disposition
}

func (a *ackRecorder) Ack(_ context.Context, _ domain.TransferEvent, d domain.Disposition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, d)
}

func TestEngine_RunAcknowledgesHandledEvents(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	acks := &ackRecorder{}
	f.engine.acker = acks
	f.createPending(t, "pay-1", 5, 1)
	f.addMinedTransfer(txHash(1), 1)
	f.rpc.SetHeight(100)

	events := make(chan domain.TransferEvent, 3)
	events <- event(txHash(1), 5, 1)
	events <- event(txHash(2), 5, 2)
	ignored := event(txHash(3), 5, 3)
	ignored.To = payer
	events <- ignored
	close(events)

	require.NoError(t, f.engine.Run(context.Background(), events))
	f.engine.Wait()

	assert.Equal(t, []domain.Disposition{
		domain.DispositionMatched,
		domain.DispositionError,
		domain.DispositionIgnored,
	}, acks.acks)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, fastPolicy(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.engine.Run(ctx, make(chan domain.TransferEvent))
	assert.ErrorIs(t, err, context.Canceled)
}
