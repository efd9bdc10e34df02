package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
	"token-payment-reconciler/internal/evm/stub"
	"token-payment-reconciler/internal/storage"
	"token-payment-reconciler/internal/storage/memory"
)

func collect(events *[]domain.TransferEvent) func(domain.TransferEvent) error {
	return func(ev domain.TransferEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestBackfiller_ResumesAfterCursorInOrder(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(120)
	rpc.AddLogs(
		transferLog(95, 0, "0xold", 1),
		transferLog(110, 4, "0xb", 2),
		transferLog(101, 1, "0xa", 3),
		transferLog(110, 2, "0xc", 4),
		transferLog(119, 0, "0xd", 5),
	)

	cursor := memory.NewIngestionCursorStore()
	require.NoError(t, cursor.SetLastProcessed(context.Background(), &storage.IngestionCursor{BlockNumber: 100}))

	b := NewBackfiller(BackfillOptions{
		Reader: rpc, Cursor: cursor, Checkpoint: NewCheckpoint(cursor, nil),
		Token: token, Wallet: wallet, BatchSize: 10,
	})

	var got []domain.TransferEvent
	res, err := b.Run(context.Background(), collect(&got))
	require.NoError(t, err)

	var hashes []string
	for _, ev := range got {
		hashes = append(hashes, ev.TxHash)
	}
	assert.Equal(t, []string{"0xa", "0xc", "0xb", "0xd"}, hashes)
	assert.Equal(t, uint64(101), res.FromBlock)
	assert.Equal(t, uint64(120), res.ToBlock)
	assert.Equal(t, 4, res.EventsEmitted)
	assert.Equal(t, 2, rpc.Calls(stub.MethodGetLogs))

	saved, err := cursor.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), saved.BlockNumber)
}

func TestBackfiller_FirstRunWithoutStartBlockSkipsHistory(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(500)
	rpc.AddLogs(transferLog(400, 0, "0xa", 1))

	cursor := memory.NewIngestionCursorStore()
	b := NewBackfiller(BackfillOptions{Reader: rpc, Cursor: cursor, Token: token, Wallet: wallet})

	var got []domain.TransferEvent
	res, err := b.Run(context.Background(), collect(&got))
	require.NoError(t, err)

	assert.Empty(t, got)
	assert.Equal(t, 0, rpc.Calls(stub.MethodGetLogs))
	assert.Equal(t, 0, res.EventsEmitted)

	saved, err := cursor.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), saved.BlockNumber)
}

func TestBackfiller_StartBlock(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(50)
	rpc.AddLogs(transferLog(9, 0, "0xbefore", 1), transferLog(10, 0, "0xa", 1))

	b := NewBackfiller(BackfillOptions{
		Reader: rpc, Cursor: memory.NewIngestionCursorStore(),
		Token: token, Wallet: wallet, StartBlock: 10,
	})

	var got []domain.TransferEvent
	_, err := b.Run(context.Background(), collect(&got))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xa", got[0].TxHash)
}

func TestBackfiller_SkipsRemovedMalformedAndForeignLogs(t *testing.T) {
	removed := transferLog(11, 0, "0xremoved", 1)
	removed.Removed = true
	malformed := transferLog(11, 1, "0xmalformed", 1)
	malformed.Topics = malformed.Topics[:2]
	foreign := transferLog(11, 2, "0xforeign", 1)
	foreign.Address = "0x3333333333333333333333333333333333333333"

	rpc := stub.NewClient(97)
	rpc.SetHeight(11)
	rpc.AddLogs(removed, malformed, foreign, transferLog(11, 3, "0xgood", 1))

	b := NewBackfiller(BackfillOptions{Reader: rpc, Cursor: memory.NewIngestionCursorStore(), Token: token, Wallet: wallet, StartBlock: 1})

	var got []domain.TransferEvent
	res, err := b.Run(context.Background(), collect(&got))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "0xgood", got[0].TxHash)
	assert.Equal(t, 1, res.RemovedSkipped)
	assert.Equal(t, 1, res.MalformedLogs)
}

func TestBackfiller_CursorStopsAtFailedBatch(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(30)
	rpc.AddLogs(transferLog(5, 0, "0xa", 1), transferLog(15, 0, "0xb", 1))

	cursor := memory.NewIngestionCursorStore()
	b := NewBackfiller(BackfillOptions{
		Reader: rpc, Cursor: cursor, Checkpoint: NewCheckpoint(cursor, nil),
		Token: token, Wallet: wallet, StartBlock: 1, BatchSize: 10,
	})

	stop := errors.New("engine stopped")
	_, err := b.Run(context.Background(), func(ev domain.TransferEvent) error {
		if ev.TxHash == "0xb" {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)

	saved, err := cursor.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), saved.BlockNumber)
}

func TestBackfiller_CursorWaitsForConsumer(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(30)
	rpc.AddLogs(transferLog(5, 0, "0xa", 1), transferLog(15, 0, "0xb", 1))

	cursor := memory.NewIngestionCursorStore()
	cp := NewCheckpoint(cursor, nil)
	b := NewBackfiller(BackfillOptions{
		Reader: rpc, Cursor: cursor, Checkpoint: cp,
		Token: token, Wallet: wallet, StartBlock: 1, BatchSize: 10,
	})

	var got []domain.TransferEvent
	_, err := b.Run(context.Background(), func(ev domain.TransferEvent) error {
		cp.Emitted()
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = cursor.GetLastProcessed(context.Background())
	require.ErrorIs(t, err, storage.ErrNotFound, "nothing acknowledged yet")

	cp.Ack(context.Background(), got[0], domain.DispositionMatched)
	saved, err := cursor.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), saved.BlockNumber)

	cp.Ack(context.Background(), got[1], domain.DispositionUnmatched)
	saved, err = cursor.GetLastProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(30), saved.BlockNumber)
}

func TestBackfiller_RejectsRepeatedLogPositions(t *testing.T) {
	rpc := stub.NewClient(97)
	rpc.SetHeight(20)
	rpc.AddLogs(transferLog(12, 3, "0xa", 1), transferLog(12, 3, "0xa", 1))

	cursor := memory.NewIngestionCursorStore()
	b := NewBackfiller(BackfillOptions{
		Reader: rpc, Cursor: cursor, Checkpoint: NewCheckpoint(cursor, nil),
		Token: token, Wallet: wallet, StartBlock: 10,
	})

	var got []domain.TransferEvent
	_, err := b.Run(context.Background(), collect(&got))
	require.ErrorIs(t, err, ErrInvalidOrdering)
	assert.Empty(t, got)

	_, err = cursor.GetLastProcessed(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackfiller_FilterTargetsWallet(t *testing.T) {
	f := transferFilter(token, wallet)
	require.Len(t, f.Topics, 3)
	assert.Equal(t, []string{evm.TransferTopic}, f.Topics[0])
	assert.Nil(t, f.Topics[1])
	assert.Equal(t, []string{evm.AddressTopic(wallet)}, f.Topics[2])
	assert.Equal(t, []string{token}, f.Addresses)
}
