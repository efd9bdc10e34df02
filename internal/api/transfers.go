package api

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"token-payment-reconciler/internal/amount"
	"token-payment-reconciler/internal/domain"
	"token-payment-reconciler/internal/evm"
)

// MaxJournalBlockSpan bounds a single block-range journal query.
const MaxJournalBlockSpan = 10_000

// transferView is the JSON form of a JournalEntry.
type transferView struct {
	TxHash      string  `json:"txHash"`
	LogIndex    uint    `json:"logIndex"`
	BlockNumber uint64  `json:"blockNumber"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Amount      string  `json:"amount"`
	AmountRaw   string  `json:"amountRaw"`
	Disposition string  `json:"disposition"`
	PaymentID   *string `json:"paymentId"`
	ObservedAt  int64   `json:"observedAt"`
}

func (s *Server) transferViews(entries []*domain.JournalEntry) []transferView {
	views := make([]transferView, 0, len(entries))
	for _, e := range entries {
		v := transferView{
			TxHash:      e.TxHash,
			LogIndex:    e.LogIndex,
			BlockNumber: e.BlockNumber,
			From:        e.From,
			To:          e.To,
			AmountRaw:   e.ValueRaw,
			Disposition: string(e.Disposition),
			PaymentID:   e.PaymentID,
			ObservedAt:  e.ObservedAt,
		}
		if raw, ok := new(big.Int).SetString(e.ValueRaw, 10); ok {
			v.Amount = amount.FromRaw(raw, s.chain.TokenDecimals)
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleTransfersByTx(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respond(w, http.StatusServiceUnavailable, "error", "Transfer journal is not configured", nil)
		return
	}

	txHash := strings.ToLower(r.PathValue("txHash"))
	if !evm.IsValidTxHash(txHash) {
		s.respond(w, http.StatusBadRequest, "invalid_input", "Invalid transaction hash", nil)
		return
	}

	entries, err := s.journal.GetByTxHash(r.Context(), txHash)
	if err != nil {
		s.logger.Errorw("failed to load journal entries", "tx", txHash, "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Failed to load transfers", nil)
		return
	}
	if len(entries) == 0 {
		s.respond(w, http.StatusNotFound, "not_found", "No transfers recorded for transaction", fields{"txHash": txHash})
		return
	}

	s.respond(w, http.StatusOK, "success", "Transfers retrieved", fields{"transfers": s.transferViews(entries)})
}

func (s *Server) handleTransfersByRange(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respond(w, http.StatusServiceUnavailable, "error", "Transfer journal is not configured", nil)
		return
	}

	q := r.URL.Query()
	from, errFrom := strconv.ParseUint(q.Get("fromBlock"), 10, 64)
	to, errTo := strconv.ParseUint(q.Get("toBlock"), 10, 64)
	if errFrom != nil || errTo != nil || from > to {
		s.respond(w, http.StatusBadRequest, "invalid_input", "fromBlock and toBlock must be block numbers with fromBlock <= toBlock", nil)
		return
	}
	if to-from >= MaxJournalBlockSpan {
		s.respond(w, http.StatusBadRequest, "invalid_input", "Block range too wide",
			fields{"maxBlocks": MaxJournalBlockSpan})
		return
	}

	entries, err := s.journal.GetByBlockRange(r.Context(), from, to)
	if err != nil {
		s.logger.Errorw("failed to load journal range", "from", from, "to", to, "error", err)
		s.respond(w, http.StatusInternalServerError, "error", "Failed to load transfers", nil)
		return
	}

	s.respond(w, http.StatusOK, "success", "Transfers retrieved", fields{
		"fromBlock": from,
		"toBlock":   to,
		"transfers": s.transferViews(entries),
	})
}
