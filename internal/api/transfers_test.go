package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-payment-reconciler/internal/auth"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/idhash"
)

func (e *env) journalTransfer(t *testing.T, tx string, logIndex uint, block uint64, value string, d domain.Disposition, paymentID *string) {
	t.Helper()
	require.NoError(t, e.journal.Append(context.Background(), &domain.JournalEntry{
		EntryID:     idhash.ComputeJournalEntryID(tx, logIndex),
		TxHash:      tx,
		LogIndex:    logIndex,
		BlockNumber: block,
		From:        recipient,
		To:          wallet,
		ValueRaw:    value,
		Disposition: d,
		PaymentID:   paymentID,
		ObservedAt:  fixedNow.UnixMilli(),
	}))
}

func TestTransfers(t *testing.T) {
	other := "0x00000000000000000000000000000000000000000000000000000000000000bb"
	payID := "pay-1"

	e := newEnv(t)
	e.journalTransfer(t, txHash, 1, 100, tokens(7).String(), domain.DispositionUnmatched, nil)
	e.journalTransfer(t, txHash, 0, 100, tokens(5).String(), domain.DispositionMatched, &payID)
	e.journalTransfer(t, other, 0, 250, "1", domain.DispositionIgnored, nil)

	t.Run("by tx hash", func(t *testing.T) {
		code, body := e.do(t, signedRequest(http.MethodGet, "/api/transfers/"+txHash, ""))
		require.Equal(t, http.StatusOK, code)

		transfers := body["transfers"].([]any)
		require.Len(t, transfers, 2)
		first := transfers[0].(map[string]any)
		assert.Equal(t, float64(0), first["logIndex"])
		assert.Equal(t, "5", first["amount"])
		assert.Equal(t, "matched", first["disposition"])
		assert.Equal(t, "pay-1", first["paymentId"])
		assert.Equal(t, "unmatched", transfers[1].(map[string]any)["disposition"])
	})

	t.Run("unknown tx hash", func(t *testing.T) {
		unknown := "0x00000000000000000000000000000000000000000000000000000000000000cc"
		code, body := e.do(t, signedRequest(http.MethodGet, "/api/transfers/"+unknown, ""))
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "not_found", body["status"])
	})

	t.Run("malformed tx hash", func(t *testing.T) {
		code, _ := e.do(t, signedRequest(http.MethodGet, "/api/transfers/0xabc", ""))
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("block range", func(t *testing.T) {
		code, body := e.do(t, signedRequest(http.MethodGet, "/api/transfers?fromBlock=100&toBlock=200", ""))
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, body["transfers"], 2)

		code, body = e.do(t, signedRequest(http.MethodGet, "/api/transfers?fromBlock=101&toBlock=300", ""))
		require.Equal(t, http.StatusOK, code)
		transfers := body["transfers"].([]any)
		require.Len(t, transfers, 1)
		assert.Equal(t, other, transfers[0].(map[string]any)["txHash"])
	})

	t.Run("invalid range", func(t *testing.T) {
		for _, q := range []string{"", "?fromBlock=5", "?fromBlock=9&toBlock=1", "?fromBlock=a&toBlock=b", "?fromBlock=0&toBlock=10000"} {
			code, _ := e.do(t, signedRequest(http.MethodGet, "/api/transfers"+q, ""))
			assert.Equal(t, http.StatusBadRequest, code, q)
		}
	})

	t.Run("requires auth", func(t *testing.T) {
		req := signedRequest(http.MethodGet, "/api/transfers/"+txHash, "")
		req.Header.Set(auth.HeaderSignature, "00")
		code, _ := e.do(t, req)
		assert.Equal(t, http.StatusForbidden, code)
	})
}

func TestTransfers_NoJournal(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Journal = nil })

	code, body := e.do(t, signedRequest(http.MethodGet, "/api/transfers/"+txHash, ""))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", body["status"])
}
